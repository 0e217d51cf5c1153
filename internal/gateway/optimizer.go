package gateway

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// relationFields maps common many2one fields to the related fields worth
// prefetching in the same round trip, avoiding follow-up reads per row.
var relationFields = map[string][]string{
	"partner_id":        {"partner_id.name", "partner_id.email", "partner_id.phone", "partner_id.vat"},
	"user_id":           {"user_id.name", "user_id.email", "user_id.login"},
	"company_id":        {"company_id.name", "company_id.currency_id"},
	"product_id":        {"product_id.name", "product_id.default_code", "product_id.barcode"},
	"category_id":       {"category_id.name", "category_id.complete_name"},
	"product_tmpl_id":   {"product_tmpl_id.name", "product_tmpl_id.default_code"},
	"warehouse_id":      {"warehouse_id.name", "warehouse_id.code"},
	"location_id":       {"location_id.name", "location_id.complete_name"},
	"picking_type_id":   {"picking_type_id.name", "picking_type_id.code"},
	"currency_id":       {"currency_id.name", "currency_id.symbol"},
	"pricelist_id":      {"pricelist_id.name", "pricelist_id.currency_id"},
	"sale_order_id":     {"sale_order_id.name", "sale_order_id.state"},
	"purchase_order_id": {"purchase_order_id.name", "purchase_order_id.state"},
	"invoice_id":        {"invoice_id.name", "invoice_id.state"},
	"account_id":        {"account_id.name", "account_id.code"},
	"journal_id":        {"journal_id.name", "journal_id.code"},
	"tax_id":            {"tax_id.name", "tax_id.amount"},
	"state_id":          {"state_id.name", "state_id.code"},
	"country_id":        {"country_id.name", "country_id.code"},
}

// indexedFields are prioritized to the front of a domain; the upstream
// evaluates domains left to right.
var indexedFields = map[string]bool{
	"id":          true,
	"create_date": true,
	"write_date":  true,
	"name":        true,
	"active":      true,
	"state":       true,
	"company_id":  true,
}

// maxLimits caps result sizes per operation. Absent operations are unbounded.
var maxLimits = map[string]int{
	OpSearchRead:    200,
	OpRead:          100,
	OpSearch:        500,
	OpNameSearch:    50,
	OpWebSearchRead: 200,
}

// cacheTTLs per operation; field metadata rarely changes, names change slowly,
// everything else gets the default read TTL.
var cacheTTLs = map[string]time.Duration{
	OpFieldsGet:  time.Hour,
	OpNameSearch: 10 * time.Minute,
	OpNameGet:    10 * time.Minute,
}

const defaultReadTTL = 5 * time.Minute

// OptimizeFields expands relation fields so related names arrive in one round
// trip. Nil or empty input means "all fields" and stays nil. Idempotent: the
// expansion set of an expanded field is itself.
func OptimizeFields(model string, fields []string) []string {
	if len(fields) == 0 {
		return nil
	}

	seen := make(map[string]bool, len(fields))
	out := make([]string, 0, len(fields))
	add := func(f string) {
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}

	for _, f := range fields {
		add(f)
		for _, rel := range relationFields[f] {
			add(rel)
		}
	}
	return out
}

// OptimizeDomain reorders a predicate list so leaves on indexed fields come
// first. Boolean operators ('&', '|', '!') keep their relative order at the
// front; leaf order within each class is preserved.
func OptimizeDomain(domain []any) []any {
	if len(domain) == 0 {
		return []any{}
	}

	var operators, indexed, others []any
	for _, criterion := range domain {
		switch c := criterion.(type) {
		case string:
			operators = append(operators, c)
		case []any:
			if len(c) >= 3 {
				if field, ok := c[0].(string); ok && indexedFields[field] {
					indexed = append(indexed, c)
					continue
				}
			}
			others = append(others, c)
		default:
			others = append(others, criterion)
		}
	}

	out := make([]any, 0, len(domain))
	out = append(out, operators...)
	out = append(out, indexed...)
	out = append(out, others...)
	return out
}

// ClampLimit bounds the requested limit by the operation's ceiling. A nil
// request takes the ceiling itself; unbounded operations pass through.
func ClampLimit(op string, requested *int) *int {
	ceiling, bounded := maxLimits[op]
	if !bounded {
		return requested
	}
	if requested == nil || *requested <= 0 || *requested > ceiling {
		c := ceiling
		return &c
	}
	return requested
}

// DefaultOrder supplies the order clause when the caller gave none.
func DefaultOrder(order string) string {
	if order == "" {
		return "id DESC"
	}
	return order
}

// Cacheable reports whether op belongs to the read family.
func Cacheable(op string) bool {
	return cacheableOps[op]
}

// CacheTTL returns how long op results stay fresh.
func CacheTTL(op string) time.Duration {
	if ttl, ok := cacheTTLs[op]; ok {
		return ttl
	}
	return defaultReadTTL
}

// InvalidationPatterns lists the wildcard cache keys a write on (tenant,
// model) must evict: one per cacheable read operation.
func InvalidationPatterns(tenantID, model string) []string {
	patterns := make([]string, 0, len(cacheableOpOrder))
	for _, op := range cacheableOpOrder {
		patterns = append(patterns, fmt.Sprintf("op:%s:%s:%s:*", tenantID, op, model))
	}
	return patterns
}

// CacheKey derives the deterministic key for an operation. The fingerprint
// inputs are serialized with canonically sorted keys, hashed, and truncated
// to 16 hex characters.
func CacheKey(tenantID, op, model string, fingerprint map[string]any) string {
	params := map[string]any{
		"tenant":    tenantID,
		"operation": op,
		"model":     model,
	}
	for k, v := range fingerprint {
		params[k] = v
	}

	// encoding/json sorts map keys, giving a canonical serialization.
	blob, err := json.Marshal(params)
	if err != nil {
		blob = []byte(fmt.Sprintf("%v", params))
	}

	sum := md5.Sum(blob)
	return fmt.Sprintf("op:%s:%s:%s:%s", tenantID, op, model, hex.EncodeToString(sum[:])[:16])
}
