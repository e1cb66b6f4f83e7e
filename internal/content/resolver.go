package content

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
)

// ConfigError reports a session that cannot be routed to any content service
type ConfigError struct {
	DocumentType DocumentType
	Field        string
	Reason       string
}

func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid %s session: %s %s", e.DocumentType, e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid session: %s", e.Reason)
}

func require(docType DocumentType, field, value string) error {
	if strings.TrimSpace(value) == "" {
		return &ConfigError{DocumentType: docType, Field: field, Reason: "is required"}
	}
	return nil
}

// Constructor builds a Service for one document type
type Constructor func(baseURL string, httpClient *http.Client, scope Scope) (Service, error)

// Resolver maps document type tags to service constructors
type Resolver struct {
	baseURL    string
	httpClient *http.Client

	mu           sync.RWMutex
	constructors map[DocumentType]Constructor
}

// NewResolver creates a resolver with the built-in document types registered
func NewResolver(baseURL string, httpClient *http.Client) *Resolver {
	r := &Resolver{
		baseURL:      baseURL,
		httpClient:   httpClient,
		constructors: make(map[DocumentType]Constructor),
	}
	r.Register(DocumentTypeWikiPage, func(baseURL string, httpClient *http.Client, scope Scope) (Service, error) {
		svc, err := NewWikiPageService(baseURL, httpClient, scope)
		if err != nil {
			return nil, err
		}
		return svc, nil
	})
	r.Register(DocumentTypeProjectPage, func(baseURL string, httpClient *http.Client, scope Scope) (Service, error) {
		svc, err := NewProjectPageService(baseURL, httpClient, scope)
		if err != nil {
			return nil, err
		}
		return svc, nil
	})
	return r
}

// Register adds or replaces the constructor for a document type
func (r *Resolver) Register(docType DocumentType, constructor Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.constructors[docType] = constructor
}

// Supported returns the registered document types, sorted
func (r *Resolver) Supported() []DocumentType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]DocumentType, 0, len(r.constructors))
	for t := range r.constructors {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// Resolve returns the service for docType, or a *ConfigError when the type is
// unknown or the scope is missing a field the service needs
func (r *Resolver) Resolve(docType DocumentType, scope Scope) (Service, error) {
	if docType == "" {
		return nil, &ConfigError{Reason: "documentType is required"}
	}

	r.mu.RLock()
	constructor, ok := r.constructors[docType]
	r.mu.RUnlock()
	if !ok {
		return nil, &ConfigError{
			DocumentType: docType,
			Reason:       fmt.Sprintf("unsupported document type %q", docType),
		}
	}

	return constructor(r.baseURL, r.httpClient, scope)
}
