package content

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// DocumentType is the type tag a client sends when opening a document
type DocumentType string

const (
	DocumentTypeProjectPage DocumentType = "project_page"
	DocumentTypeWikiPage    DocumentType = "wiki_page"
)

// Content is the stored form of a document
type Content struct {
	Binary  []byte // encoded CRDT snapshot
	HTML    string
	Version string // ETag of the stored revision, empty when unknown
}

// Metadata is the page record behind a document
type Metadata struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	UpdatedAt time.Time `json:"updated_at"`
	IsLocked  bool      `json:"is_locked"`
	Archived  bool      `json:"archived"`
}

// Service fetches and persists one document scope through the content API
type Service interface {
	DocumentType() DocumentType
	BasePath() string
	FetchContent(ctx context.Context, id string) (*Content, error)
	PersistContent(ctx context.Context, id string, content *Content) (string, error)
	FetchMetadata(ctx context.Context, id string) (*Metadata, error)
	UpdateTitle(ctx context.Context, id, title string) error
}

// PageService is the Service implementation for page-like documents.
// Scopes only differ in BasePath.
type PageService struct {
	client
	docType  DocumentType
	basePath string
}

type descriptionPayload struct {
	Binary []byte `json:"description_binary"`
	HTML   string `json:"description_html"`
}

// NewWikiPageService creates a workspace-scoped service
func NewWikiPageService(baseURL string, httpClient *http.Client, scope Scope) (*PageService, error) {
	if err := require(DocumentTypeWikiPage, "workspaceSlug", scope.WorkspaceSlug); err != nil {
		return nil, err
	}
	if err := require(DocumentTypeWikiPage, "cookie", scope.Cookie); err != nil {
		return nil, err
	}

	return &PageService{
		client:   newClient(baseURL, httpClient, scope),
		docType:  DocumentTypeWikiPage,
		basePath: fmt.Sprintf("/api/workspaces/%s/wiki/pages", url.PathEscape(scope.WorkspaceSlug)),
	}, nil
}

// NewProjectPageService creates a project-scoped service
func NewProjectPageService(baseURL string, httpClient *http.Client, scope Scope) (*PageService, error) {
	if err := require(DocumentTypeProjectPage, "workspaceSlug", scope.WorkspaceSlug); err != nil {
		return nil, err
	}
	if err := require(DocumentTypeProjectPage, "projectId", scope.ProjectID); err != nil {
		return nil, err
	}
	if err := require(DocumentTypeProjectPage, "cookie", scope.Cookie); err != nil {
		return nil, err
	}

	return &PageService{
		client:  newClient(baseURL, httpClient, scope),
		docType: DocumentTypeProjectPage,
		basePath: fmt.Sprintf("/api/workspaces/%s/projects/%s/pages",
			url.PathEscape(scope.WorkspaceSlug), url.PathEscape(scope.ProjectID)),
	}, nil
}

func (s *PageService) DocumentType() DocumentType {
	return s.docType
}

func (s *PageService) BasePath() string {
	return s.basePath
}

func (s *PageService) documentPath(id string) string {
	return fmt.Sprintf("%s/%s/", s.basePath, url.PathEscape(id))
}

// FetchContent loads the stored description of a document
func (s *PageService) FetchContent(ctx context.Context, id string) (*Content, error) {
	var payload descriptionPayload
	resp, err := s.do(ctx, "fetch content", http.MethodGet, s.documentPath(id)+"description/", nil, nil, &payload)
	if err != nil {
		return nil, err
	}

	return &Content{
		Binary:  payload.Binary,
		HTML:    payload.HTML,
		Version: resp.header.Get("ETag"),
	}, nil
}

// PersistContent stores a new description and returns the new version
func (s *PageService) PersistContent(ctx context.Context, id string, content *Content) (string, error) {
	var headers map[string]string
	if content.Version != "" {
		headers = map[string]string{"If-Match": content.Version}
	}

	body := descriptionPayload{Binary: content.Binary, HTML: content.HTML}
	resp, err := s.do(ctx, "persist content", http.MethodPut, s.documentPath(id)+"description/", headers, body, nil)
	if err != nil {
		return "", err
	}

	return resp.header.Get("ETag"), nil
}

// FetchMetadata loads the page record
func (s *PageService) FetchMetadata(ctx context.Context, id string) (*Metadata, error) {
	var meta Metadata
	if _, err := s.do(ctx, "fetch metadata", http.MethodGet, s.documentPath(id), nil, nil, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// UpdateTitle writes the derived title back to the page record
func (s *PageService) UpdateTitle(ctx context.Context, id, title string) error {
	body := map[string]string{"name": title}
	_, err := s.do(ctx, "update title", http.MethodPatch, s.documentPath(id), nil, body, nil)
	return err
}
