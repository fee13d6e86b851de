// Package recall gives each tenant an isolated document search backed by an
// upstream vector-search service. Documents are identified by content hash;
// display filenames are advisory only.
package recall

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Document ingest states.
const (
	StatusProcessing = "processing"
	StatusReady      = "ready"
	StatusError      = "error"
)

// ErrTenantNotFound is returned for operations against an unknown tenant.
var ErrTenantNotFound = errors.New("tenant not found")

// ErrDocumentNotFound is returned for operations against an unknown document.
var ErrDocumentNotFound = errors.New("document not found")

// Tenant is one isolated document-search context.
type Tenant struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	APIKey        string    `json:"-"`
	VectorStoreID string    `json:"vector_store_id,omitempty"`
	AccessToken   string    `json:"-"`
	FileCount     int       `json:"file_count"`
	TotalBytes    int64     `json:"total_bytes"`
	CreatedAt     time.Time `json:"created_at"`
}

// Document is one stored file. StorageName is derived from the content hash,
// so filesystem collisions are impossible by construction.
type Document struct {
	ID                string    `json:"id"`
	TenantID          string    `json:"-"`
	DisplayName       string    `json:"filename"`
	StorageName       string    `json:"-"`
	SHA256            string    `json:"sha256"`
	Size              int64     `json:"size"`
	Mime              string    `json:"mime"`
	FileID            string    `json:"-"`
	VectorStoreFileID string    `json:"-"`
	Status            string    `json:"status"`
	CreatedAt         time.Time `json:"created_at"`
}

// Store persists tenants and documents in the shared sqlite database.
type Store struct {
	db *sql.DB
}

// NewStore wraps the shared database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Init creates the schema.
func (s *Store) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS file_recall_tenants (
		id              TEXT PRIMARY KEY,
		name            TEXT NOT NULL,
		api_key         TEXT NOT NULL,
		vector_store_id TEXT NOT NULL DEFAULT '',
		access_token    TEXT NOT NULL UNIQUE,
		created_at      INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS file_recall_documents (
		id                   TEXT PRIMARY KEY,
		tenant_id            TEXT NOT NULL,
		display_name         TEXT NOT NULL,
		storage_name         TEXT NOT NULL,
		sha256               TEXT NOT NULL,
		size                 INTEGER NOT NULL,
		mime                 TEXT NOT NULL,
		file_id              TEXT NOT NULL DEFAULT '',
		vector_store_file_id TEXT NOT NULL DEFAULT '',
		status               TEXT NOT NULL,
		created_at           INTEGER NOT NULL,
		UNIQUE (tenant_id, sha256),
		FOREIGN KEY (tenant_id) REFERENCES file_recall_tenants(id)
	);
	`)
	if err != nil {
		return fmt.Errorf("init recall schema: %w", err)
	}
	return nil
}

// InsertTenant persists a new tenant row.
func (s *Store) InsertTenant(ctx context.Context, t Tenant) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO file_recall_tenants (id, name, api_key, vector_store_id, access_token, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, t.Name, t.APIKey, t.VectorStoreID, t.AccessToken, t.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("insert tenant: %w", err)
	}
	return nil
}

// GetTenant loads a tenant with its usage counters.
func (s *Store) GetTenant(ctx context.Context, id string) (Tenant, error) {
	return s.tenantBy(ctx, "t.id = ?", id)
}

// GetTenantByToken loads a tenant by its dashboard access token.
func (s *Store) GetTenantByToken(ctx context.Context, token string) (Tenant, error) {
	return s.tenantBy(ctx, "t.access_token = ?", token)
}

func (s *Store) tenantBy(ctx context.Context, where string, arg any) (Tenant, error) {
	var t Tenant
	var created int64
	err := s.db.QueryRowContext(ctx, `
		SELECT t.id, t.name, t.api_key, t.vector_store_id, t.access_token, t.created_at,
		       COUNT(d.id), COALESCE(SUM(d.size), 0)
		FROM file_recall_tenants t
		LEFT JOIN file_recall_documents d ON d.tenant_id = t.id
		WHERE `+where+`
		GROUP BY t.id`, arg).
		Scan(&t.ID, &t.Name, &t.APIKey, &t.VectorStoreID, &t.AccessToken, &created, &t.FileCount, &t.TotalBytes)
	if errors.Is(err, sql.ErrNoRows) {
		return Tenant{}, ErrTenantNotFound
	}
	if err != nil {
		return Tenant{}, fmt.Errorf("load tenant: %w", err)
	}
	t.CreatedAt = time.Unix(created, 0)
	return t, nil
}

// ListTenants returns every tenant with usage counters.
func (s *Store) ListTenants(ctx context.Context) ([]Tenant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.name, t.api_key, t.vector_store_id, t.access_token, t.created_at,
		       COUNT(d.id), COALESCE(SUM(d.size), 0)
		FROM file_recall_tenants t
		LEFT JOIN file_recall_documents d ON d.tenant_id = t.id
		GROUP BY t.id ORDER BY t.created_at`)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()

	var out []Tenant
	for rows.Next() {
		var t Tenant
		var created int64
		if err := rows.Scan(&t.ID, &t.Name, &t.APIKey, &t.VectorStoreID, &t.AccessToken, &created, &t.FileCount, &t.TotalBytes); err != nil {
			return nil, err
		}
		t.CreatedAt = time.Unix(created, 0)
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpdateTenantName renames a tenant.
func (s *Store) UpdateTenantName(ctx context.Context, id, name string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE file_recall_tenants SET name = ? WHERE id = ?`, name, id)
	if err != nil {
		return fmt.Errorf("update tenant: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTenantNotFound
	}
	return nil
}

// SetVectorStoreID binds the upstream vector store allocated on first upload.
// A tenant that already has one keeps it; the id is never reassigned.
func (s *Store) SetVectorStoreID(ctx context.Context, tenantID, storeID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE file_recall_tenants SET vector_store_id = ? WHERE id = ? AND vector_store_id = ''`,
		storeID, tenantID)
	if err != nil {
		return fmt.Errorf("bind vector store: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("tenant %s already has a vector store", tenantID)
	}
	return nil
}

// DeleteTenant removes the tenant and cascades its document rows.
func (s *Store) DeleteTenant(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM file_recall_documents WHERE tenant_id = ?`, id); err != nil {
		return fmt.Errorf("delete tenant documents: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM file_recall_tenants WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete tenant: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTenantNotFound
	}
	return nil
}

// InsertDocument persists a new document row.
func (s *Store) InsertDocument(ctx context.Context, d Document) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO file_recall_documents
		 (id, tenant_id, display_name, storage_name, sha256, size, mime, file_id, vector_store_file_id, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.TenantID, d.DisplayName, d.StorageName, d.SHA256, d.Size, d.Mime,
		d.FileID, d.VectorStoreFileID, d.Status, d.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

// GetDocument loads a document by id within a tenant.
func (s *Store) GetDocument(ctx context.Context, tenantID, id string) (Document, error) {
	return s.documentBy(ctx, "tenant_id = ? AND id = ?", tenantID, id)
}

// GetDocumentBySHA loads a document by its content hash within a tenant.
func (s *Store) GetDocumentBySHA(ctx context.Context, tenantID, sha string) (Document, error) {
	return s.documentBy(ctx, "tenant_id = ? AND sha256 = ?", tenantID, sha)
}

func (s *Store) documentBy(ctx context.Context, where string, args ...any) (Document, error) {
	var d Document
	var created int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, display_name, storage_name, sha256, size, mime,
		       file_id, vector_store_file_id, status, created_at
		FROM file_recall_documents WHERE `+where, args...).
		Scan(&d.ID, &d.TenantID, &d.DisplayName, &d.StorageName, &d.SHA256, &d.Size, &d.Mime,
			&d.FileID, &d.VectorStoreFileID, &d.Status, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrDocumentNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("load document: %w", err)
	}
	d.CreatedAt = time.Unix(created, 0)
	return d, nil
}

// ListDocuments returns a tenant's documents, oldest first.
func (s *Store) ListDocuments(ctx context.Context, tenantID string) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, display_name, storage_name, sha256, size, mime,
		       file_id, vector_store_file_id, status, created_at
		FROM file_recall_documents WHERE tenant_id = ? ORDER BY created_at, id`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var out []Document
	for rows.Next() {
		var d Document
		var created int64
		if err := rows.Scan(&d.ID, &d.TenantID, &d.DisplayName, &d.StorageName, &d.SHA256, &d.Size, &d.Mime,
			&d.FileID, &d.VectorStoreFileID, &d.Status, &created); err != nil {
			return nil, err
		}
		d.CreatedAt = time.Unix(created, 0)
		out = append(out, d)
	}
	return out, rows.Err()
}

// SetDocumentStatus moves a document through the ingest states.
func (s *Store) SetDocumentStatus(ctx context.Context, id, status string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE file_recall_documents SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("update document status: %w", err)
	}
	return nil
}

// DeleteDocument removes one document row.
func (s *Store) DeleteDocument(ctx context.Context, tenantID, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM file_recall_documents WHERE tenant_id = ? AND id = ?`, tenantID, id)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDocumentNotFound
	}
	return nil
}
