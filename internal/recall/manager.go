package recall

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// Upload result actions.
const (
	ActionUploaded = "uploaded"
	ActionSkipped  = "skipped"
	ActionError    = "error"
)

// allowedExtensions is the upload allow-list with its mime mapping.
var allowedExtensions = map[string]string{
	".pdf":  "application/pdf",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".pptx": "application/vnd.openxmlformats-officedocument.presentationml.presentation",
	".txt":  "text/plain",
	".md":   "text/markdown",
	".html": "text/html",
	".json": "application/json",
	".tex":  "application/x-tex",
}

var tenantIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// UploadInput is one inbound file.
type UploadInput struct {
	Name string
	Data []byte
}

// UploadResult reports the outcome for one file.
type UploadResult struct {
	Name    string `json:"name"`
	Action  string `json:"action"`
	Message string `json:"message,omitempty"`
}

// ClientFactory builds a vector client for one tenant's API key. Tests
// substitute an in-memory fake.
type ClientFactory func(apiKey string) VectorClient

// Manager owns tenants, their documents, and the routing of uploads and
// searches to the upstream vector-search provider.
type Manager struct {
	store     *Store
	dataDir   string
	newClient ClientFactory
	logger    *slog.Logger

	// uploads keyed (tenant, sha256) collapse onto one upstream upload;
	// concurrent duplicates observe the winner's row and report skipped.
	uploads singleflight.Group
}

// NewManager builds a manager rooted at dataDir (documents live under
// dataDir/file-recall/<tenant>/).
func NewManager(store *Store, dataDir string, newClient ClientFactory) *Manager {
	return &Manager{
		store:     store,
		dataDir:   dataDir,
		newClient: newClient,
		logger:    slog.Default().With("component", "recall"),
	}
}

// CreateTenant persists a new tenant with a fresh access token. The upstream
// vector store is not created yet; it is allocated on first upload.
func (m *Manager) CreateTenant(ctx context.Context, id, name, apiKey string) (Tenant, error) {
	if !tenantIDPattern.MatchString(id) {
		return Tenant{}, fmt.Errorf("tenant id %q contains invalid characters", id)
	}
	if apiKey == "" {
		return Tenant{}, fmt.Errorf("tenant %s: upstream api key is required", id)
	}

	token, err := newAccessToken()
	if err != nil {
		return Tenant{}, err
	}
	t := Tenant{ID: id, Name: name, APIKey: apiKey, AccessToken: token, CreatedAt: time.Now()}
	if err := m.store.InsertTenant(ctx, t); err != nil {
		return Tenant{}, err
	}
	m.logger.Info("tenant created", "tenant", id)
	return t, nil
}

// GetTenant loads one tenant.
func (m *Manager) GetTenant(ctx context.Context, id string) (Tenant, error) {
	return m.store.GetTenant(ctx, id)
}

// AuthenticateToken resolves a tenant from its access token.
func (m *Manager) AuthenticateToken(ctx context.Context, token string) (Tenant, error) {
	if token == "" {
		return Tenant{}, ErrTenantNotFound
	}
	return m.store.GetTenantByToken(ctx, token)
}

// ListTenants returns every tenant with usage counters.
func (m *Manager) ListTenants(ctx context.Context) ([]Tenant, error) {
	return m.store.ListTenants(ctx)
}

// RenameTenant updates the display name.
func (m *Manager) RenameTenant(ctx context.Context, id, name string) error {
	return m.store.UpdateTenantName(ctx, id, name)
}

// ListDocuments returns the tenant's documents, refreshing the ingest status
// of any still marked processing.
func (m *Manager) ListDocuments(ctx context.Context, tenantID string) ([]Document, error) {
	tenant, err := m.store.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	docs, err := m.store.ListDocuments(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	client := m.newClient(tenant.APIKey)
	for i, d := range docs {
		if d.Status != StatusProcessing || tenant.VectorStoreID == "" {
			continue
		}
		status, err := client.FileStatus(ctx, tenant.VectorStoreID, d.VectorStoreFileID)
		if err != nil {
			continue
		}
		if mapped := mapIngestStatus(status); mapped != d.Status {
			if err := m.store.SetDocumentStatus(ctx, d.ID, mapped); err == nil {
				docs[i].Status = mapped
			}
		}
	}
	return docs, nil
}

// Upload ingests a batch of files for one tenant, reporting a per-file
// action. Content hash is identity: a file whose bytes are already stored is
// skipped no matter what it is called.
func (m *Manager) Upload(ctx context.Context, tenantID string, files []UploadInput) ([]UploadResult, error) {
	tenant, err := m.store.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	results := make([]UploadResult, 0, len(files))
	for _, f := range files {
		results = append(results, m.uploadOne(ctx, tenant, f))
	}
	return results, nil
}

func (m *Manager) uploadOne(ctx context.Context, tenant Tenant, f UploadInput) UploadResult {
	ext := strings.ToLower(filepath.Ext(f.Name))
	mime, ok := allowedExtensions[ext]
	if !ok {
		return UploadResult{Name: f.Name, Action: ActionError,
			Message: fmt.Sprintf("file type %q is not allowed", ext)}
	}

	sum := sha256.Sum256(f.Data)
	sha := hex.EncodeToString(sum[:])

	type uploadOutcome struct {
		doc Document
	}
	key := tenant.ID + ":" + sha
	v, err, shared := m.uploads.Do(key, func() (any, error) {
		// Re-check under the flight: an earlier call may have inserted.
		if existing, err := m.store.GetDocumentBySHA(ctx, tenant.ID, sha); err == nil {
			return uploadOutcome{doc: existing}, errAlreadyStored
		}
		doc, err := m.ingest(ctx, tenant, f, sha, ext, mime)
		if err != nil {
			return nil, err
		}
		return uploadOutcome{doc: doc}, nil
	})

	if errors.Is(err, errAlreadyStored) {
		existing := v.(uploadOutcome).doc
		return UploadResult{Name: f.Name, Action: ActionSkipped,
			Message: fmt.Sprintf("identical content already stored as %q", existing.DisplayName)}
	}
	if err != nil {
		m.logger.Warn("upload failed", "tenant", tenant.ID, "file", f.Name, "error", err)
		return UploadResult{Name: f.Name, Action: ActionError, Message: err.Error()}
	}
	if shared {
		// A concurrent identical upload won the flight; this caller's copy
		// is a duplicate by definition.
		winner := v.(uploadOutcome).doc
		return UploadResult{Name: f.Name, Action: ActionSkipped,
			Message: fmt.Sprintf("identical content already stored as %q", winner.DisplayName)}
	}
	return UploadResult{Name: f.Name, Action: ActionUploaded}
}

var errAlreadyStored = errors.New("document already stored")

// ingest performs the actual upload: bind the vector store if needed, write
// the local copy under its hash-derived name, push upstream, persist the row.
func (m *Manager) ingest(ctx context.Context, tenant Tenant, f UploadInput, sha, ext, mime string) (Document, error) {
	client := m.newClient(tenant.APIKey)

	storeID := tenant.VectorStoreID
	if storeID == "" {
		id, err := client.CreateVectorStore(ctx, "file-recall-"+tenant.ID)
		if err != nil {
			return Document{}, fmt.Errorf("create vector store: %w", err)
		}
		if err := m.store.SetVectorStoreID(ctx, tenant.ID, id); err != nil {
			// Lost a race against another first upload; reload the binding.
			reloaded, lerr := m.store.GetTenant(ctx, tenant.ID)
			if lerr != nil || reloaded.VectorStoreID == "" {
				return Document{}, err
			}
			id = reloaded.VectorStoreID
		}
		storeID = id
	}

	storageName := sha[:16] + ext
	localPath := filepath.Join(m.tenantDir(tenant.ID), storageName)
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return Document{}, fmt.Errorf("create tenant directory: %w", err)
	}
	if err := os.WriteFile(localPath, f.Data, 0o644); err != nil {
		return Document{}, fmt.Errorf("write local copy: %w", err)
	}

	fileID, err := client.UploadFile(ctx, f.Name, f.Data)
	if err != nil {
		return Document{}, fmt.Errorf("upload to upstream: %w", err)
	}
	vsFileID, err := client.AttachFile(ctx, storeID, fileID)
	if err != nil {
		return Document{}, fmt.Errorf("attach to vector store: %w", err)
	}

	doc := Document{
		ID:                uuid.NewString(),
		TenantID:          tenant.ID,
		DisplayName:       f.Name,
		StorageName:       storageName,
		SHA256:            sha,
		Size:              int64(len(f.Data)),
		Mime:              mime,
		FileID:            fileID,
		VectorStoreFileID: vsFileID,
		Status:            StatusProcessing,
		CreatedAt:         time.Now(),
	}
	if err := m.store.InsertDocument(ctx, doc); err != nil {
		return Document{}, err
	}

	// Bounded poll for ingest completion; a document still processing when
	// we give up is refreshed on the next listing.
	if status := m.awaitIngest(ctx, client, storeID, vsFileID); status != StatusProcessing {
		if err := m.store.SetDocumentStatus(ctx, doc.ID, status); err == nil {
			doc.Status = status
		}
	}

	m.logger.Info("document ingested", "tenant", tenant.ID, "file", f.Name, "sha", sha[:16], "status", doc.Status)
	return doc, nil
}

func (m *Manager) awaitIngest(ctx context.Context, client VectorClient, storeID, vsFileID string) string {
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		status, err := client.FileStatus(ctx, storeID, vsFileID)
		if err != nil {
			return StatusProcessing
		}
		if mapped := mapIngestStatus(status); mapped != StatusProcessing {
			return mapped
		}
		select {
		case <-ctx.Done():
			return StatusProcessing
		case <-time.After(2 * time.Second):
		}
	}
	return StatusProcessing
}

// Search delegates to the upstream vector-search query API. A tenant that
// has never uploaded anything has no vector store and gets empty results.
func (m *Manager) Search(ctx context.Context, tenantID, query string, maxResults int) ([]SearchResult, error) {
	tenant, err := m.store.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if tenant.VectorStoreID == "" {
		return nil, nil
	}
	return m.newClient(tenant.APIKey).Search(ctx, tenant.VectorStoreID, query, maxResults)
}

// DeleteDocument removes a document upstream, on disk, and in the store.
func (m *Manager) DeleteDocument(ctx context.Context, tenantID, docID string) error {
	tenant, err := m.store.GetTenant(ctx, tenantID)
	if err != nil {
		return err
	}
	doc, err := m.store.GetDocument(ctx, tenantID, docID)
	if err != nil {
		return err
	}

	client := m.newClient(tenant.APIKey)
	if tenant.VectorStoreID != "" && doc.VectorStoreFileID != "" {
		if err := client.DetachFile(ctx, tenant.VectorStoreID, doc.VectorStoreFileID); err != nil {
			m.logger.Warn("detach from vector store failed", "tenant", tenantID, "doc", docID, "error", err)
		}
	}
	if doc.FileID != "" {
		if err := client.DeleteFile(ctx, doc.FileID); err != nil {
			m.logger.Warn("upstream file delete failed", "tenant", tenantID, "doc", docID, "error", err)
		}
	}
	if err := os.Remove(filepath.Join(m.tenantDir(tenantID), doc.StorageName)); err != nil && !os.IsNotExist(err) {
		m.logger.Warn("local file delete failed", "tenant", tenantID, "doc", docID, "error", err)
	}
	return m.store.DeleteDocument(ctx, tenantID, docID)
}

// DeleteTenant removes the upstream vector store, all local files, and the
// tenant's rows.
func (m *Manager) DeleteTenant(ctx context.Context, id string) error {
	tenant, err := m.store.GetTenant(ctx, id)
	if err != nil {
		return err
	}
	if tenant.VectorStoreID != "" {
		if err := m.newClient(tenant.APIKey).DeleteVectorStore(ctx, tenant.VectorStoreID); err != nil {
			m.logger.Warn("vector store delete failed", "tenant", id, "error", err)
		}
	}
	if err := os.RemoveAll(m.tenantDir(id)); err != nil {
		m.logger.Warn("tenant directory delete failed", "tenant", id, "error", err)
	}
	return m.store.DeleteTenant(ctx, id)
}

func (m *Manager) tenantDir(tenantID string) string {
	return filepath.Join(m.dataDir, "file-recall", tenantID)
}

func newAccessToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate access token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func mapIngestStatus(upstream string) string {
	switch upstream {
	case "completed":
		return StatusReady
	case "failed", "cancelled":
		return StatusError
	default:
		return StatusProcessing
	}
}
