package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/surelaces/posync/internal/session"
	"github.com/surelaces/posync/internal/store/schema"
)

// maxPageFetchers bounds concurrent page requests during a catalog pull.
const maxPageFetchers = 4

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// tokenResponse accepts both the camelCase and the SimpleJWT field names.
type tokenResponse struct {
	User         *session.User `json:"user,omitempty"`
	AccessToken  string        `json:"accessToken"`
	RefreshToken string        `json:"refreshToken"`
	Access       string        `json:"access"`
	Refresh      string        `json:"refresh"`
	ExpiresIn    int64         `json:"expiresIn"`
}

func (r tokenResponse) pair() session.TokenPair {
	p := session.TokenPair{Access: r.AccessToken, Refresh: r.RefreshToken}
	if p.Access == "" {
		p.Access = r.Access
	}
	if p.Refresh == "" {
		p.Refresh = r.Refresh
	}
	if r.ExpiresIn > 0 {
		p.ExpiresIn = time.Duration(r.ExpiresIn) * time.Second
	}
	return p
}

// Authenticate logs in with email and password.
func (c *Client) Authenticate(ctx context.Context, email, password string) (session.User, session.TokenPair, error) {
	var resp tokenResponse
	if err := c.do(ctx, http.MethodPost, "/auth/auth/login/", "", loginRequest{email, password}, &resp); err != nil {
		return session.User{}, session.TokenPair{}, err
	}
	pair := resp.pair()
	if pair.Access == "" || resp.User == nil {
		return session.User{}, session.TokenPair{}, fmt.Errorf("login response missing token or user")
	}
	return *resp.User, pair, nil
}

// RefreshToken exchanges a refresh token for a new access token.
func (c *Client) RefreshToken(ctx context.Context, refresh string) (session.TokenPair, error) {
	body := map[string]string{"refreshToken": refresh, "refresh": refresh}
	var resp tokenResponse
	if err := c.do(ctx, http.MethodPost, "/auth/auth/token/refresh/", "", body, &resp); err != nil {
		return session.TokenPair{}, err
	}
	pair := resp.pair()
	if pair.Access == "" {
		return session.TokenPair{}, fmt.Errorf("refresh response missing access token")
	}
	return pair, nil
}

// Page is one page of a paginated list.
type Page[T any] struct {
	Count    int     `json:"count"`
	Next     *string `json:"next"`
	Previous *string `json:"previous"`
	Results  []T     `json:"results"`
}

// GetProducts fetches one page of the catalog (1-based).
func (c *Client) GetProducts(ctx context.Context, page int) (*Page[schema.Product], error) {
	path := "/pos/products/"
	if page > 1 {
		path += "?page=" + strconv.Itoa(page)
	}
	var out Page[schema.Product]
	if err := c.authed(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetAllProducts fetches every page of the catalog. After the first page
// reveals the page size, the remaining pages are fetched concurrently.
func (c *Client) GetAllProducts(ctx context.Context) ([]schema.Product, error) {
	first, err := c.GetProducts(ctx, 1)
	if err != nil {
		return nil, err
	}
	if first.Next == nil || len(first.Results) == 0 {
		return first.Results, nil
	}

	size := len(first.Results)
	pages := max(1, (first.Count+size-1)/size)
	rest := make([]*Page[schema.Product], pages+1)
	rest[1] = first

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxPageFetchers)
	for p := 2; p <= pages; p++ {
		p := p
		g.Go(func() error {
			page, err := c.GetProducts(gctx, p)
			if err != nil {
				return fmt.Errorf("page %d: %w", p, err)
			}
			rest[p] = page
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []schema.Product
	for p := 1; p <= pages; p++ {
		all = append(all, rest[p].Results...)
	}
	if len(all) == first.Count {
		return all, nil
	}

	// The count was stale or pages were uneven: walk the next links from the
	// last page fetched.
	c.logger.Printf("WARNING: catalog count %d but %d products in %d pages, following next links",
		first.Count, len(all), pages)
	last := rest[pages]
	for p := pages + 1; last.Next != nil; p++ {
		page, err := c.GetProducts(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", p, err)
		}
		if len(page.Results) == 0 {
			break
		}
		all = append(all, page.Results...)
		last = page
	}
	return all, nil
}

// UpdateProduct pushes an owner edit and returns the server's copy.
func (c *Client) UpdateProduct(ctx context.Context, p schema.Product) (*schema.Product, error) {
	var out schema.Product
	path := "/pos/products/" + url.PathEscape(p.ID) + "/"
	if err := c.authed(ctx, http.MethodPatch, path, p, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// invoiceItemPayload is the server's invoice item shape.
type invoiceItemPayload struct {
	ID          string `json:"id,omitempty"`
	Product     string `json:"product"`
	ProductName string `json:"product_name"`
	ProductCode string `json:"product_code"`
	Quantity    int    `json:"quantity"`
	Price       string `json:"price"`
	Total       string `json:"total"`
	CreatedAt   string `json:"created_at,omitempty"`
}

// invoicePayload is the server's invoice shape.
type invoicePayload struct {
	ID              string               `json:"id"`
	CreatedAt       string               `json:"createdAt,omitempty"`
	CreatedAtSnake  string               `json:"created_at,omitempty"`
	InvoiceNumber   string               `json:"invoice_number"`
	Salesperson     string               `json:"salesperson"`
	SalespersonName string               `json:"salespersonName,omitempty"`
	SalespersonSn   string               `json:"salesperson_name,omitempty"`
	StoreName       string               `json:"store_name,omitempty"`
	Subtotal        string               `json:"subtotal"`
	Tax             string               `json:"tax"`
	Discount        string               `json:"discount,omitempty"`
	Total           string               `json:"total"`
	CustomerName    string               `json:"customer_name,omitempty"`
	CustomerPhone   string               `json:"customer_phone,omitempty"`
	CustomerEmail   string               `json:"customer_email,omitempty"`
	Notes           string               `json:"notes,omitempty"`
	SyncStatus      string               `json:"syncStatus,omitempty"`
	SyncedAt        string               `json:"synced_at,omitempty"`
	Items           []invoiceItemPayload `json:"items"`
}

func toPayload(inv schema.Invoice) invoicePayload {
	created := inv.CreatedAt.UTC().Format(time.RFC3339Nano)
	p := invoicePayload{
		ID:              inv.ID,
		CreatedAt:       created,
		InvoiceNumber:   inv.InvoiceNumber,
		Salesperson:     inv.Salesperson,
		SalespersonName: inv.SalespersonName,
		StoreName:       inv.StoreName,
		Subtotal:        inv.Subtotal,
		Tax:             inv.Tax,
		Discount:        inv.Discount,
		Total:           inv.Total,
		CustomerName:    inv.CustomerName,
		CustomerPhone:   inv.CustomerPhone,
		CustomerEmail:   inv.CustomerEmail,
		Notes:           inv.Notes,
		SyncStatus:      string(inv.SyncStatus),
	}
	for _, item := range inv.Items {
		p.Items = append(p.Items, invoiceItemPayload{
			Product:     item.ProductID,
			ProductName: item.ProductName,
			ProductCode: item.ProductCode,
			Quantity:    item.Quantity,
			Price:       item.Price,
			Total:       item.Subtotal,
		})
	}
	return p
}

func parseAPITime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func (p invoicePayload) toInvoice() schema.Invoice {
	created := p.CreatedAtSnake
	if created == "" {
		created = p.CreatedAt
	}
	name := p.SalespersonSn
	if name == "" {
		name = p.SalespersonName
	}
	inv := schema.Invoice{
		ID:              p.ID,
		InvoiceNumber:   p.InvoiceNumber,
		Salesperson:     p.Salesperson,
		SalespersonName: name,
		StoreName:       p.StoreName,
		Subtotal:        p.Subtotal,
		Tax:             p.Tax,
		Discount:        p.Discount,
		Total:           p.Total,
		CustomerName:    p.CustomerName,
		CustomerPhone:   p.CustomerPhone,
		CustomerEmail:   p.CustomerEmail,
		Notes:           p.Notes,
		SyncStatus:      schema.StatusSynced,
		CreatedAt:       parseAPITime(created),
	}
	if t := parseAPITime(p.SyncedAt); !t.IsZero() {
		inv.SyncedAt = &t
	}
	for _, it := range p.Items {
		inv.Items = append(inv.Items, schema.InvoiceItem{
			ProductID:   it.Product,
			ProductName: it.ProductName,
			ProductCode: it.ProductCode,
			Quantity:    it.Quantity,
			Price:       it.Price,
			Subtotal:    it.Total,
			CreatedAt:   parseAPITime(it.CreatedAt),
		})
	}
	return inv
}

// FailedInvoice is one server-side rejection in a bulk sync.
type FailedInvoice struct {
	InvoiceNumber string      `json:"invoice_number"`
	Errors        interface{} `json:"errors"`
	// Permanent is set when the server will never accept the invoice.
	Permanent bool `json:"permanent,omitempty"`
}

// BulkSyncResult is the bulk sync response.
type BulkSyncResult struct {
	Synced         int             `json:"synced"`
	Failed         int             `json:"failed"`
	FailedInvoices []FailedInvoice `json:"failed_invoices"`
}

// BulkSyncInvoices pushes invoices in one request.
func (c *Client) BulkSyncInvoices(ctx context.Context, invoices []schema.Invoice) (*BulkSyncResult, error) {
	payload := struct {
		Invoices []invoicePayload `json:"invoices"`
	}{}
	for _, inv := range invoices {
		payload.Invoices = append(payload.Invoices, toPayload(inv))
	}

	var out BulkSyncResult
	if err := c.authed(ctx, http.MethodPost, "/pos/invoices/bulk-sync/", payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetInvoices fetches every page of the server's invoice list.
func (c *Client) GetInvoices(ctx context.Context) ([]schema.Invoice, error) {
	var all []schema.Invoice
	path := "/pos/invoices/"
	for path != "" {
		var page Page[invoicePayload]
		if err := c.authed(ctx, http.MethodGet, path, nil, &page); err != nil {
			return nil, err
		}
		for _, p := range page.Results {
			all = append(all, p.toInvoice())
		}
		path = ""
		if page.Next != nil {
			path = *page.Next
		}
	}
	return all, nil
}
