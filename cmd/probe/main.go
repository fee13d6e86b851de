package main

import (
	_ "github.com/CoppingEthan/OWUI-Toolset-sub000/internal/providers"
)

func main() {}
