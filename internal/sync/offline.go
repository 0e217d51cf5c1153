package sync

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/geniustep/bridgecore/internal/gateway"
	"github.com/geniustep/bridgecore/internal/metrics"
)

// Sync actions a client can buffer offline.
const (
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

// Per-item sync statuses.
const (
	StatusSuccess  = "success"
	StatusFailed   = "failed"
	StatusConflict = "conflict"
)

// Conflict strategies.
const (
	StrategyServerWins = "server_wins"
	StrategyClientWins = "client_wins"
	StrategyManual     = "manual"
	StrategyNewestWins = "newest_wins"
	StrategyMerge      = "merge"
)

const (
	defaultBatchSize = 50
	maxBatchSize     = 500

	// localIDPrefix marks placeholder references to records created earlier
	// in the same push.
	localIDPrefix = "local_"
)

// Executor runs one gateway operation. Satisfied by *gateway.Gateway.
type Executor interface {
	Execute(ctx context.Context, req gateway.Request) (gateway.Result, error)
}

// LocalChange is one client-buffered mutation.
type LocalChange struct {
	LocalID        string         `json:"local_id"`
	Action         string         `json:"action"`
	Model          string         `json:"model"`
	RecordID       int            `json:"record_id,omitempty"`
	Data           map[string]any `json:"data"`
	LocalTimestamp string         `json:"local_timestamp"`
	Version        int            `json:"version,omitempty"`
	Dependencies   []string       `json:"dependencies,omitempty"`
	Priority       int            `json:"priority,omitempty"`
}

// PushRequest uploads a batch of local changes.
type PushRequest struct {
	TenantID         string
	UserID           int
	DeviceID         string        `json:"device_id"`
	Changes          []LocalChange `json:"changes"`
	ConflictStrategy string        `json:"conflict_strategy"`
	StopOnError      bool          `json:"stop_on_error"`
	BatchSize        int           `json:"batch_size"`
}

// PushItemResult reports one change's outcome.
type PushItemResult struct {
	LocalID          string         `json:"local_id"`
	Status           string         `json:"status"`
	Action           string         `json:"action"`
	Model            string         `json:"model"`
	ServerID         int            `json:"server_id,omitempty"`
	Error            string         `json:"error,omitempty"`
	ErrorCode        string         `json:"error_code,omitempty"`
	ConflictInfo     map[string]any `json:"conflict_info,omitempty"`
	ServerTimestamp  string         `json:"server_timestamp,omitempty"`
	ProcessingTimeMs float64        `json:"processing_time_ms,omitempty"`
}

// PushResponse aggregates a push.
type PushResponse struct {
	Success                 bool             `json:"success"`
	Total                   int              `json:"total"`
	Succeeded               int              `json:"succeeded"`
	Failed                  int              `json:"failed"`
	Conflicts               int              `json:"conflicts"`
	Results                 []PushItemResult `json:"results"`
	IDMapping               map[string]int   `json:"id_mapping"`
	NextSyncToken           string           `json:"next_sync_token"`
	ServerTimestamp         string           `json:"server_timestamp"`
	TotalProcessingTimeMs   float64          `json:"total_processing_time_ms"`
	AverageProcessingTimeMs float64          `json:"average_processing_time_ms"`
}

// ConflictResolution is one entry of the resolve-conflicts call.
type ConflictResolution struct {
	LocalID    string         `json:"local_id"`
	Strategy   string         `json:"strategy"`
	MergedData map[string]any `json:"merged_data,omitempty"`
}

// ConflictResolutionResponse aggregates a resolve-conflicts call.
type ConflictResolutionResponse struct {
	Success  bool             `json:"success"`
	Resolved int              `json:"resolved"`
	Failed   int              `json:"failed"`
	Results  []PushItemResult `json:"results"`
}

// OfflineProcessor applies dependency-ordered batches of client mutations
// through the gateway, detecting conflicts on stale updates.
type OfflineProcessor struct {
	executor Executor
}

// NewOfflineProcessor wires the processor onto a gateway executor.
func NewOfflineProcessor(executor Executor) *OfflineProcessor {
	return &OfflineProcessor{executor: executor}
}

// Push processes one upload. The id mapping is scoped to this push: local ids
// created here resolve only for later changes of the same push.
func (p *OfflineProcessor) Push(ctx context.Context, req PushRequest) (PushResponse, error) {
	start := time.Now()

	ordered, err := orderChanges(req.Changes)
	if err != nil {
		return PushResponse{}, err
	}

	batchSize := req.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	if batchSize > maxBatchSize {
		batchSize = maxBatchSize
	}

	strategy := req.ConflictStrategy
	if strategy == "" {
		strategy = StrategyServerWins
	}

	results := make([]PushItemResult, 0, len(ordered))
	idMapping := make(map[string]int)

	stopped := false
	for i := 0; i < len(ordered) && !stopped; i += batchSize {
		end := i + batchSize
		if end > len(ordered) {
			end = len(ordered)
		}

		for _, change := range ordered[i:end] {
			itemStart := time.Now()
			result := p.applyChange(ctx, req.TenantID, change, strategy, idMapping)
			result.ProcessingTimeMs = float64(time.Since(itemStart).Microseconds()) / 1000

			results = append(results, result)
			metrics.OfflineChanges.WithLabelValues(result.Status).Inc()

			if req.StopOnError && result.Status == StatusFailed {
				log.Warn().Str("local_id", change.LocalID).Msg("stopping push on failed change")
				stopped = true
				break
			}
		}
	}

	var succeeded, failed, conflicts int
	for _, r := range results {
		switch r.Status {
		case StatusSuccess:
			succeeded++
		case StatusConflict:
			conflicts++
		default:
			failed++
		}
	}

	totalMs := float64(time.Since(start).Microseconds()) / 1000
	avgMs := 0.0
	if len(results) > 0 {
		avgMs = totalMs / float64(len(results))
	}

	return PushResponse{
		Success:                 failed == 0,
		Total:                   len(results),
		Succeeded:               succeeded,
		Failed:                  failed,
		Conflicts:               conflicts,
		Results:                 results,
		IDMapping:               idMapping,
		NextSyncToken:           newSyncToken(req.UserID, req.DeviceID),
		ServerTimestamp:         time.Now().UTC().Format(time.RFC3339),
		TotalProcessingTimeMs:   totalMs,
		AverageProcessingTimeMs: avgMs,
	}, nil
}

func (p *OfflineProcessor) applyChange(ctx context.Context, tenantID string, change LocalChange, strategy string, idMapping map[string]int) PushItemResult {
	result := PushItemResult{
		LocalID: change.LocalID,
		Action:  change.Action,
		Model:   change.Model,
	}

	data := resolvePlaceholders(change.Data, idMapping)

	switch change.Action {
	case ActionCreate:
		res, err := p.executor.Execute(ctx, gateway.Request{
			TenantID: tenantID, Op: gateway.OpCreate, Model: change.Model, Values: data,
		})
		if err != nil {
			return failItem(result, err)
		}
		serverID, ok := createdID(res.Data)
		if !ok {
			result.Status = StatusFailed
			result.Error = fmt.Sprintf("unexpected create result %v", res.Data)
			result.ErrorCode = "UPSTREAM_RESULT"
			return result
		}
		idMapping[change.LocalID] = serverID
		result.Status = StatusSuccess
		result.ServerID = serverID
		result.ServerTimestamp = time.Now().UTC().Format(time.RFC3339)
		return result

	case ActionUpdate:
		if change.RecordID == 0 {
			result.Status = StatusFailed
			result.Error = "record_id is required for update"
			result.ErrorCode = "MISSING_RECORD_ID"
			return result
		}
		return p.applyUpdate(ctx, tenantID, change, data, strategy, result)

	case ActionDelete:
		if change.RecordID == 0 {
			result.Status = StatusFailed
			result.Error = "record_id is required for delete"
			result.ErrorCode = "MISSING_RECORD_ID"
			return result
		}
		_, err := p.executor.Execute(ctx, gateway.Request{
			TenantID: tenantID, Op: gateway.OpUnlink, Model: change.Model, IDs: []int{change.RecordID},
		})
		if err != nil {
			return failItem(result, err)
		}
		result.Status = StatusSuccess
		result.ServerID = change.RecordID
		result.ServerTimestamp = time.Now().UTC().Format(time.RFC3339)
		return result

	default:
		result.Status = StatusFailed
		result.Error = fmt.Sprintf("unsupported action %q", change.Action)
		result.ErrorCode = "BAD_ACTION"
		return result
	}
}

func (p *OfflineProcessor) applyUpdate(ctx context.Context, tenantID string, change LocalChange, data map[string]any, strategy string, result PushItemResult) PushItemResult {
	// Manual resolution needs the server's copy of the contested fields so
	// the client has something to diff against; the other strategies only
	// need the timestamps.
	var extraFields []string
	if strategy == StrategyManual {
		for k := range change.Data {
			extraFields = append(extraFields, k)
		}
	}

	check := p.detectConflict(ctx, tenantID, change, extraFields)

	if check.conflict {
		switch strategy {
		case StrategyServerWins:
			result.Status = StatusConflict
			result.ServerID = change.RecordID
			result.Error = "conflict detected - server wins"
			result.ConflictInfo = map[string]any{
				"strategy":   StrategyServerWins,
				"resolution": "skipped",
			}
			return result

		case StrategyManual:
			serverData := make(map[string]any, len(change.Data))
			conflicting := make([]string, 0, len(change.Data))
			for k, localVal := range change.Data {
				serverVal, ok := check.serverRow[k]
				if ok {
					serverData[k] = serverVal
				}
				if !ok || !reflect.DeepEqual(serverVal, localVal) {
					conflicting = append(conflicting, k)
				}
			}
			sort.Strings(conflicting)

			result.Status = StatusConflict
			result.ServerID = change.RecordID
			result.ConflictInfo = map[string]any{
				"strategy":            StrategyManual,
				"requires_resolution": true,
				"local_data":          change.Data,
				"server_data":         serverData,
				"conflicting_fields":  conflicting,
				"local_timestamp":     change.LocalTimestamp,
				"local_version":       change.Version,
				"server_timestamp":    check.serverTime,
			}
			return result

		case StrategyNewestWins:
			local, lerr := parseUpstreamTime(change.LocalTimestamp)
			server, serr := parseUpstreamTime(check.serverTime)
			if lerr == nil && serr == nil && server.After(local) {
				result.Status = StatusConflict
				result.ServerID = change.RecordID
				result.Error = "conflict detected - server copy is newer"
				result.ConflictInfo = map[string]any{
					"strategy":   StrategyNewestWins,
					"resolution": "skipped",
				}
				return result
			}
			// Local copy is newest; fall through to the write.

		case StrategyClientWins:
			// Proceed with the write.
		}
	}

	_, err := p.executor.Execute(ctx, gateway.Request{
		TenantID: tenantID, Op: gateway.OpWrite, Model: change.Model,
		IDs: []int{change.RecordID}, Values: data,
	})
	if err != nil {
		return failItem(result, err)
	}

	result.Status = StatusSuccess
	result.ServerID = change.RecordID
	result.ServerTimestamp = time.Now().UTC().Format(time.RFC3339)
	return result
}

// conflictCheck is the outcome of a stale-update probe. serverRow holds the
// server record's current values for whichever fields the probe fetched.
type conflictCheck struct {
	conflict   bool
	serverTime string
	serverRow  map[string]any
}

// detectConflict reads the server record's last write time when the client
// claims to update an already-synced record (version > 1), plus any extra
// fields the caller wants for building a conflict descriptor. A read failure
// counts as no conflict: the write itself will surface real errors.
func (p *OfflineProcessor) detectConflict(ctx context.Context, tenantID string, change LocalChange, extraFields []string) conflictCheck {
	if change.Version <= 1 {
		return conflictCheck{}
	}

	fields := append([]string{"write_date", "__last_update"}, extraFields...)
	res, err := p.executor.Execute(ctx, gateway.Request{
		TenantID: tenantID, Op: gateway.OpRead, Model: change.Model,
		IDs: []int{change.RecordID}, Fields: fields,
	})
	if err != nil {
		log.Warn().Err(err).Str("local_id", change.LocalID).Msg("conflict check read failed")
		return conflictCheck{}
	}

	rows, ok := res.Data.([]any)
	if !ok || len(rows) == 0 {
		return conflictCheck{}
	}
	row, ok := rows[0].(map[string]any)
	if !ok {
		return conflictCheck{}
	}

	serverRaw, _ := row["write_date"].(string)
	if serverRaw == "" {
		serverRaw, _ = row["__last_update"].(string)
	}
	if serverRaw == "" {
		return conflictCheck{serverRow: row}
	}

	serverTime, err := parseUpstreamTime(serverRaw)
	if err != nil {
		return conflictCheck{serverRow: row}
	}
	localTime, err := parseUpstreamTime(change.LocalTimestamp)
	if err != nil {
		return conflictCheck{serverTime: serverRaw, serverRow: row}
	}

	return conflictCheck{
		conflict:   serverTime.After(localTime),
		serverTime: serverRaw,
		serverRow:  row,
	}
}

// ResolveConflicts applies explicit per-conflict resolutions. Merge requires
// the merged value set from the client.
func (p *OfflineProcessor) ResolveConflicts(ctx context.Context, tenantID string, conflicts []map[string]any, resolutions []ConflictResolution) ConflictResolutionResponse {
	byLocalID := make(map[string]map[string]any, len(conflicts))
	for _, c := range conflicts {
		if id, ok := c["local_id"].(string); ok {
			byLocalID[id] = c
		}
	}

	results := make([]PushItemResult, 0, len(resolutions))
	for _, res := range resolutions {
		item := PushItemResult{LocalID: res.LocalID, Action: ActionUpdate}

		conflict, ok := byLocalID[res.LocalID]
		if !ok {
			item.Status = StatusFailed
			item.Error = "conflict not found"
			results = append(results, item)
			continue
		}

		model, _ := conflict["model"].(string)
		serverID := anyToInt(conflict["server_id"])
		item.Model = model
		item.ServerID = serverID

		switch res.Strategy {
		case StrategyServerWins:
			// Server data prevails; nothing to write.
			item.Status = StatusSuccess

		case StrategyClientWins:
			localData, _ := conflict["local_data"].(map[string]any)
			item = p.resolveWrite(ctx, tenantID, item, model, serverID, localData)

		case StrategyMerge:
			if len(res.MergedData) == 0 {
				item.Status = StatusFailed
				item.Error = "merged_data required for merge strategy"
				results = append(results, item)
				continue
			}
			item = p.resolveWrite(ctx, tenantID, item, model, serverID, res.MergedData)

		default:
			item.Status = StatusFailed
			item.Error = fmt.Sprintf("unsupported resolution strategy %q", res.Strategy)
		}

		results = append(results, item)
	}

	resolved, failed := 0, 0
	for _, r := range results {
		if r.Status == StatusSuccess {
			resolved++
		} else {
			failed++
		}
	}

	return ConflictResolutionResponse{
		Success:  failed == 0,
		Resolved: resolved,
		Failed:   failed,
		Results:  results,
	}
}

func (p *OfflineProcessor) resolveWrite(ctx context.Context, tenantID string, item PushItemResult, model string, serverID int, values map[string]any) PushItemResult {
	if model == "" || serverID == 0 || len(values) == 0 {
		item.Status = StatusFailed
		item.Error = "conflict descriptor is missing model, server_id, or data"
		return item
	}

	_, err := p.executor.Execute(ctx, gateway.Request{
		TenantID: tenantID, Op: gateway.OpWrite, Model: model,
		IDs: []int{serverID}, Values: values,
	})
	if err != nil {
		return failItem(item, err)
	}
	item.Status = StatusSuccess
	return item
}

// orderChanges topologically sorts by dependencies (Kahn). Within a level,
// higher priority goes first, ties broken by local timestamp. When no change
// declares dependencies, the create/update/delete action order applies
// instead.
func orderChanges(changes []LocalChange) ([]LocalChange, error) {
	hasDeps := false
	for _, c := range changes {
		if len(c.Dependencies) > 0 {
			hasDeps = true
			break
		}
	}

	if !hasDeps {
		ordered := make([]LocalChange, len(changes))
		copy(ordered, changes)
		sort.SliceStable(ordered, func(i, j int) bool {
			return actionRank(ordered[i].Action) < actionRank(ordered[j].Action)
		})
		return ordered, nil
	}

	byID := make(map[string]LocalChange, len(changes))
	indegree := make(map[string]int, len(changes))
	dependents := make(map[string][]string)

	for _, c := range changes {
		byID[c.LocalID] = c
		indegree[c.LocalID] = 0
	}
	for _, c := range changes {
		for _, dep := range c.Dependencies {
			if _, known := byID[dep]; !known {
				// A dependency outside this push is assumed already
				// applied server-side.
				continue
			}
			indegree[c.LocalID]++
			dependents[dep] = append(dependents[dep], c.LocalID)
		}
	}

	ready := make([]LocalChange, 0, len(changes))
	for _, c := range changes {
		if indegree[c.LocalID] == 0 {
			ready = append(ready, c)
		}
	}

	ordered := make([]LocalChange, 0, len(changes))
	for len(ready) > 0 {
		sort.SliceStable(ready, func(i, j int) bool {
			if ready[i].Priority != ready[j].Priority {
				return ready[i].Priority > ready[j].Priority
			}
			return ready[i].LocalTimestamp < ready[j].LocalTimestamp
		})

		next := ready[0]
		ready = ready[1:]
		ordered = append(ordered, next)

		for _, dep := range dependents[next.LocalID] {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, byID[dep])
			}
		}
	}

	if len(ordered) != len(changes) {
		return nil, &gateway.BadRequestError{Msg: "dependency cycle in pushed changes"}
	}
	return ordered, nil
}

func actionRank(action string) int {
	switch action {
	case ActionCreate:
		return 0
	case ActionUpdate:
		return 1
	default:
		return 2
	}
}

// resolvePlaceholders walks values recursively and swaps "local_*" string
// references for server ids from the running mapping. Unmapped placeholders
// keep their literal value.
func resolvePlaceholders(data map[string]any, idMapping map[string]int) map[string]any {
	if data == nil {
		return nil
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = resolveValue(v, idMapping)
	}
	return out
}

func resolveValue(v any, idMapping map[string]int) any {
	switch val := v.(type) {
	case string:
		if strings.HasPrefix(val, localIDPrefix) {
			if id, ok := idMapping[strings.TrimPrefix(val, localIDPrefix)]; ok {
				return id
			}
			if id, ok := idMapping[val]; ok {
				return id
			}
		}
		return val
	case map[string]any:
		return resolvePlaceholders(val, idMapping)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = resolveValue(item, idMapping)
		}
		return out
	default:
		return v
	}
}

func failItem(item PushItemResult, err error) PushItemResult {
	item.Status = StatusFailed
	item.Error = err.Error()
	item.ErrorCode = "UPSTREAM_ERROR"
	return item
}

func createdID(data any) (int, bool) {
	switch v := data.(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case []any:
		if len(v) == 1 {
			return createdID(v[0])
		}
	}
	return 0, false
}

func anyToInt(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	}
	return 0
}

// parseUpstreamTime accepts both RFC3339 and the upstream's space-separated
// timestamp format.
func parseUpstreamTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02 15:04:05", s)
}

func newSyncToken(userID int, deviceID string) string {
	return fmt.Sprintf("%d_%s_%s", userID, deviceID, uuid.NewString()[:8])
}
