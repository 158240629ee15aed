package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surelaces/posync/internal/store/schema"
)

// staticTokens hands out "token-N" and bumps N on every refresh.
type staticTokens struct {
	mu        sync.Mutex
	gen       int
	refreshes int32
	refreshFn func() error
}

func (s *staticTokens) AccessToken(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return "token-" + strconv.Itoa(s.gen), nil
}

func (s *staticTokens) Refresh(ctx context.Context, stale string) (string, error) {
	atomic.AddInt32(&s.refreshes, 1)
	if s.refreshFn != nil {
		if err := s.refreshFn(); err != nil {
			return "", err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	return "token-" + strconv.Itoa(s.gen), nil
}

func setupTestClient(t *testing.T, h http.Handler) (*Client, *staticTokens) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	c, err := New(Config{
		BaseURL: srv.URL + "/api",
		Timeout: 5 * time.Second,
		Logger:  log.New(io.Discard, "", 0),
	})
	require.NoError(t, err)
	tokens := &staticTokens{}
	c.SetTokenSource(tokens)
	return c, tokens
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func TestNewRejectsBadBaseURL(t *testing.T) {
	_, err := New(Config{BaseURL: "not a url"})
	assert.Error(t, err)

	c, err := New(Config{BaseURL: "https://pos.example.com/api/"})
	require.NoError(t, err)
	assert.Equal(t, "pos.example.com:443", c.Host())
}

func TestAuthenticate(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/auth/login/", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Empty(t, r.Header.Get("Authorization"))
		var req loginRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.Password != "secret" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "bad credentials"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"user":         map[string]string{"user_id": "u-1", "name": "Ana", "email": req.Email, "role": "owner"},
			"accessToken":  "acc",
			"refreshToken": "ref",
			"expiresIn":    3600,
		})
	})
	c, _ := setupTestClient(t, mux)

	user, pair, err := c.Authenticate(context.Background(), "ana@example.com", "secret")
	require.NoError(t, err)
	assert.Equal(t, "Ana", user.Name)
	assert.True(t, user.IsOwner())
	assert.Equal(t, "acc", pair.Access)
	assert.Equal(t, "ref", pair.Refresh)
	assert.Equal(t, time.Hour, pair.ExpiresIn)

	_, _, err = c.Authenticate(context.Background(), "ana@example.com", "wrong")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnauthorized))
	assert.False(t, IsTransient(err))
}

func TestRefreshTokenAcceptsShortFieldNames(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/auth/token/refresh/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"access": "new-acc", "refresh": "new-ref"})
	})
	c, _ := setupTestClient(t, mux)

	pair, err := c.RefreshToken(context.Background(), "old")
	require.NoError(t, err)
	assert.Equal(t, "new-acc", pair.Access)
	assert.Equal(t, "new-ref", pair.Refresh)
	assert.Zero(t, pair.ExpiresIn)
}

func TestUnauthorizedRefreshesOnceAndRetries(t *testing.T) {
	var calls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/pos/products/", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if r.Header.Get("Authorization") != "Bearer token-1" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "expired"})
			return
		}
		writeJSON(w, http.StatusOK, Page[schema.Product]{Count: 0, Results: []schema.Product{}})
	})
	c, tokens := setupTestClient(t, mux)

	_, err := c.GetProducts(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.Equal(t, int32(1), atomic.LoadInt32(&tokens.refreshes))
}

func TestUnauthorizedAfterRefreshIsReturned(t *testing.T) {
	var calls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/pos/products/", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "nope"})
	})
	c, tokens := setupTestClient(t, mux)

	_, err := c.GetProducts(context.Background(), 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnauthorized))
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.Equal(t, int32(1), atomic.LoadInt32(&tokens.refreshes))
}

func TestRefreshFailureIsReturned(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/pos/products/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{})
	})
	c, tokens := setupTestClient(t, mux)
	sentinel := errors.New("refresh down")
	tokens.refreshFn = func() error { return sentinel }

	_, err := c.GetProducts(context.Background(), 1)
	assert.ErrorIs(t, err, sentinel)
}

func TestGetAllProductsFetchesEveryPage(t *testing.T) {
	const total, size = 23, 5
	catalog := make([]schema.Product, total)
	for i := range catalog {
		catalog[i] = schema.Product{ID: uuid.NewString(), Name: fmt.Sprintf("Item %02d", i), Code: fmt.Sprintf("C%02d", i), Price: "1.00"}
	}

	var srvURL string
	mux := http.NewServeMux()
	mux.HandleFunc("/api/pos/products/", func(w http.ResponseWriter, r *http.Request) {
		page := 1
		if p := r.URL.Query().Get("page"); p != "" {
			page, _ = strconv.Atoi(p)
		}
		start := (page - 1) * size
		end := start + size
		if end > total {
			end = total
		}
		resp := Page[schema.Product]{Count: total, Results: catalog[start:end]}
		if end < total {
			next := fmt.Sprintf("%s/api/pos/products/?page=%d", srvURL, page+1)
			resp.Next = &next
		}
		writeJSON(w, http.StatusOK, resp)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	srvURL = srv.URL

	c, err := New(Config{BaseURL: srv.URL + "/api", Logger: log.New(io.Discard, "", 0)})
	require.NoError(t, err)
	c.SetTokenSource(&staticTokens{})

	all, err := c.GetAllProducts(context.Background())
	require.NoError(t, err)
	require.Len(t, all, total)
	for i := range all {
		assert.Equal(t, catalog[i].ID, all[i].ID, "order must follow pages")
	}
}

func TestGetAllProductsFollowsNextWhenCountIsStale(t *testing.T) {
	const total, size, reported = 23, 5, 12
	catalog := make([]schema.Product, total)
	for i := range catalog {
		catalog[i] = schema.Product{ID: uuid.NewString(), Name: fmt.Sprintf("Item %02d", i), Code: fmt.Sprintf("C%02d", i), Price: "1.00"}
	}

	var srvURL string
	mux := http.NewServeMux()
	mux.HandleFunc("/api/pos/products/", func(w http.ResponseWriter, r *http.Request) {
		page := 1
		if p := r.URL.Query().Get("page"); p != "" {
			page, _ = strconv.Atoi(p)
		}
		start := (page - 1) * size
		end := start + size
		if end > total {
			end = total
		}
		resp := Page[schema.Product]{Count: reported, Results: catalog[start:end]}
		if end < total {
			next := fmt.Sprintf("%s/api/pos/products/?page=%d", srvURL, page+1)
			resp.Next = &next
		}
		writeJSON(w, http.StatusOK, resp)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	srvURL = srv.URL

	c, err := New(Config{BaseURL: srv.URL + "/api", Logger: log.New(io.Discard, "", 0)})
	require.NoError(t, err)
	c.SetTokenSource(&staticTokens{})

	all, err := c.GetAllProducts(context.Background())
	require.NoError(t, err)
	require.Len(t, all, total)
	for i := range all {
		assert.Equal(t, catalog[i].ID, all[i].ID)
	}
}

func TestBulkSyncInvoices(t *testing.T) {
	product := uuid.NewString()
	inv := schema.Invoice{
		ID:              "local_1_abc",
		InvoiceNumber:   "INV-1-abcd",
		Salesperson:     uuid.NewString(),
		SalespersonName: "Ana",
		Subtotal:        "35.00",
		Tax:             "3.50",
		Total:           "38.50",
		SyncStatus:      schema.StatusPending,
		CreatedAt:       time.Now(),
		Items: []schema.InvoiceItem{
			{ProductID: product, ProductName: "Tea", ProductCode: "T1", Quantity: 2, Price: "17.50", Subtotal: "35.00"},
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/pos/invoices/bulk-sync/", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Invoices []map[string]interface{} `json:"invoices"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Len(t, body.Invoices, 1)
		got := body.Invoices[0]
		assert.Equal(t, "INV-1-abcd", got["invoice_number"])
		assert.Equal(t, "38.50", got["total"])
		items := got["items"].([]interface{})
		item := items[0].(map[string]interface{})
		assert.Equal(t, product, item["product"])
		assert.Equal(t, "35.00", item["total"])

		writeJSON(w, http.StatusOK, BulkSyncResult{
			Synced: 0, Failed: 1,
			FailedInvoices: []FailedInvoice{{InvoiceNumber: "INV-1-abcd", Errors: "stock", Permanent: true}},
		})
	})
	c, _ := setupTestClient(t, mux)

	res, err := c.BulkSyncInvoices(context.Background(), []schema.Invoice{inv})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.FailedInvoices, 1)
	assert.True(t, res.FailedInvoices[0].Permanent)
}

func TestGetInvoicesFollowsNext(t *testing.T) {
	var srvURL string
	mux := http.NewServeMux()
	mux.HandleFunc("/api/pos/invoices/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "2" {
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"count": 2, "next": nil,
				"results": []map[string]interface{}{{"id": "s-2", "invoice_number": "INV-2", "total": "2.00", "created_at": "2026-01-02T10:00:00Z"}},
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"count": 2, "next": srvURL + "/api/pos/invoices/?page=2",
			"results": []map[string]interface{}{{
				"id": "s-1", "invoice_number": "INV-1", "total": "1.00", "salesperson_name": "Ana",
				"items": []map[string]interface{}{{"product": "p-1", "quantity": 1, "price": "1.00", "total": "1.00"}},
			}},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	srvURL = srv.URL

	c, err := New(Config{BaseURL: srv.URL + "/api", Logger: log.New(io.Discard, "", 0)})
	require.NoError(t, err)
	c.SetTokenSource(&staticTokens{})

	invs, err := c.GetInvoices(context.Background())
	require.NoError(t, err)
	require.Len(t, invs, 2)
	assert.Equal(t, schema.StatusSynced, invs[0].SyncStatus)
	assert.Equal(t, "Ana", invs[0].SalespersonName)
	require.Len(t, invs[0].Items, 1)
	assert.Equal(t, "1.00", invs[0].Items[0].Subtotal)
	assert.Equal(t, 2026, invs[1].CreatedAt.Year())
}

func TestUpdateProduct(t *testing.T) {
	id := uuid.NewString()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/pos/products/"+id+"/", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		var p schema.Product
		require.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		p.Stock = 99
		writeJSON(w, http.StatusOK, p)
	})
	c, _ := setupTestClient(t, mux)

	out, err := c.UpdateProduct(context.Background(), schema.Product{ID: id, Name: "Tea", Code: "T1", Price: "2.00"})
	require.NoError(t, err)
	assert.Equal(t, 99, out.Stock)
}

func TestIsTransient(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.True(t, IsTransient(&StatusError{Code: 503}))
	assert.True(t, IsTransient(&StatusError{Code: 429}))
	assert.False(t, IsTransient(&StatusError{Code: 400}))
	assert.False(t, IsTransient(context.Canceled))
	assert.True(t, IsTransient(errors.New("connection refused")))
}
