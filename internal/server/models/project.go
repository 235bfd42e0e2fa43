// Package models defines server-side data models persisted in the database.
package models

import "time"

// Project is a live project record. Data is an opaque document stored as an
// encrypted field.
type Project struct {
	ID            string
	Name          string
	Tags          []string
	ReadOnly      bool
	ReadOnlySince *time.Time
	Data          []byte
	Members       []string
	Files         []*ProjectFile
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ProjectFile is a file attached to a project. The content lives in the blob
// store under StorageName; Name is an encrypted field.
type ProjectFile struct {
	ID          string
	ProjectID   string
	Name        string
	StorageName string
}
