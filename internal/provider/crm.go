package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/jnst/outbound-engine/internal/config"
	"github.com/jnst/outbound-engine/internal/model"
)

// RemoteStore is the CRM side of a synchronization.
type RemoteStore interface {
	GetRecord(ctx context.Context, entityType, remoteID string) (*model.SyncRecord, error)
	UpsertRecord(ctx context.Context, rec *model.SyncRecord) (*model.SyncRecord, error)
	ListChanged(ctx context.Context, entityType string, since time.Time, limit int) ([]*model.SyncRecord, error)
}

// CRMClient talks to the CRM REST API.
type CRMClient struct {
	cfg    config.CRMConfig
	client *HTTPClient
}

// NewCRMClient creates a CRM REST client.
func NewCRMClient(cfg config.CRMConfig, client *HTTPClient) *CRMClient {
	return &CRMClient{cfg: cfg, client: client}
}

var _ RemoteStore = (*CRMClient)(nil)

type crmRecord struct {
	ID        string            `json:"id,omitempty"`
	Fields    map[string]string `json:"fields"`
	UpdatedAt *time.Time        `json:"updated_at,omitempty"`
}

func (r crmRecord) toSync(entityType string) *model.SyncRecord {
	fields := r.Fields
	if fields == nil {
		fields = map[string]string{}
	}

	return &model.SyncRecord{EntityType: entityType, RemoteID: r.ID, Fields: fields, UpdatedAt: r.UpdatedAt}
}

func (c *CRMClient) header() http.Header {
	h := http.Header{}
	if c.cfg.Token != "" {
		h.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	return h
}

// GetRecord fetches one record. A missing record yields model.ErrEntityNotFound.
func (c *CRMClient) GetRecord(ctx context.Context, entityType, remoteID string) (*model.SyncRecord, error) {
	u := joinURL(c.cfg.BaseURL, "/records/"+url.PathEscape(entityType)+"/"+url.PathEscape(remoteID))

	var rec crmRecord
	if err := c.client.DoJSON(ctx, http.MethodGet, u, c.header(), nil, &rec); err != nil {
		if notFound(err) {
			return nil, fmt.Errorf("%w: crm %s %s", model.ErrEntityNotFound, entityType, remoteID)
		}

		return nil, err
	}

	if rec.Fields == nil {
		return nil, fmt.Errorf("%w: crm %s %s returned no fields", model.ErrConflictResolution, entityType, remoteID)
	}

	if rec.ID == "" {
		rec.ID = remoteID
	}

	return rec.toSync(entityType), nil
}

// UpsertRecord creates or updates a record and returns the CRM's copy.
func (c *CRMClient) UpsertRecord(ctx context.Context, rec *model.SyncRecord) (*model.SyncRecord, error) {
	u := joinURL(c.cfg.BaseURL, "/records/"+url.PathEscape(rec.EntityType))

	var out crmRecord

	body := crmRecord{ID: rec.RemoteID, Fields: rec.Fields, UpdatedAt: rec.UpdatedAt}
	if err := c.client.DoJSON(ctx, http.MethodPut, u, c.header(), body, &out); err != nil {
		return nil, err
	}

	if out.ID == "" {
		out.ID = rec.RemoteID
	}

	if out.ID == "" {
		return nil, model.NewTransientError("no_id", "crm accepted %s without an id", rec.EntityType)
	}

	if out.Fields == nil {
		out.Fields = rec.Fields
	}

	return out.toSync(rec.EntityType), nil
}

// ListChanged returns records modified after since, oldest first.
func (c *CRMClient) ListChanged(ctx context.Context, entityType string, since time.Time, limit int) ([]*model.SyncRecord, error) {
	q := url.Values{}
	if !since.IsZero() {
		q.Set("updated_since", since.UTC().Format(time.RFC3339))
	}

	q.Set("limit", strconv.Itoa(limit))

	u := joinURL(c.cfg.BaseURL, "/records/"+url.PathEscape(entityType)) + "?" + q.Encode()

	var resp struct {
		Records []crmRecord `json:"records"`
	}

	if err := c.client.DoJSON(ctx, http.MethodGet, u, c.header(), nil, &resp); err != nil {
		return nil, err
	}

	out := make([]*model.SyncRecord, 0, len(resp.Records))
	for _, r := range resp.Records {
		if r.ID == "" {
			continue
		}

		out = append(out, r.toSync(entityType))
	}

	return out, nil
}
