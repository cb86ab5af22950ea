// Package domain holds the typed value objects for RouteSpark's core data
// model. Every entity is an explicit struct rather than a dictionary of
// heterogeneous fields pulled from a schemaless store; an opaque Extras
// map exists only for passthrough metadata on forecast items.
package domain

import "time"

// OrderStatus is the lifecycle status of an Order. Transitions are
// monotonic: finalized -> draft is disallowed.
type OrderStatus string

const (
	OrderDraft     OrderStatus = "draft"
	OrderFinalized OrderStatus = "finalized"
	OrderDeleted   OrderStatus = "deleted"
)

// Route identifies a delivery route and its owning operator.
type Route struct {
	ID          string // numeric string, 1-10 digits
	OwningUser  string
	Cycles      []OrderCycle
	TimezoneIANA string
	CreatedAt   time.Time
}

// OrderCycle is the (order_day, load_day, delivery_day) triple governing
// one routing of goods from order to shelf. Days are 1..7, Monday=1.
// Invariant: DeliveryDay >= OrderDay in cycle-week arithmetic.
type OrderCycle struct {
	OrderDay    int
	LoadDay     int
	DeliveryDay int
}

// ScheduleKey returns the canonical lowercase weekday name derived from
// the order day, per the "order-day-derived is canonical" design decision.
func (c OrderCycle) ScheduleKey() string {
	names := [...]string{"", "monday", "tuesday", "wednesday", "thursday", "friday", "saturday", "sunday"}
	if c.OrderDay < 1 || c.OrderDay > 7 {
		return ""
	}
	return names[c.OrderDay]
}

// Valid reports whether the cycle satisfies DeliveryDay >= OrderDay.
func (c OrderCycle) Valid() bool {
	return c.DeliveryDay >= c.OrderDay
}

// StoreOrder is one store's line items within an Order.
type StoreOrder struct {
	StoreID string
	Lines   []LineItem
}

// Order is a single order placed for a route/schedule/delivery date.
type Order struct {
	ID           string
	Route        string
	ScheduleKey  string
	DeliveryDate time.Time
	OrderDate    time.Time
	Status       OrderStatus
	StoreOrders  []StoreOrder
	CreatedAt    time.Time
	UpdatedAt    time.Time
	FinalizedAt  *time.Time
}

// CanTransitionTo reports whether a status transition is legal. The only
// disallowed transition is finalized -> draft.
func (o Order) CanTransitionTo(next OrderStatus) bool {
	if o.Status == OrderFinalized && next == OrderDraft {
		return false
	}
	return true
}

// LineItem is a single (order, store, SAP) quantity line.
type LineItem struct {
	Order              string
	Store              string
	SAP                string
	Units              int
	Cases              *int
	Promo              bool
	ForecastedUnits    *int
	ForecastedCases    *int
	UserAdjusted       bool
}

// Consistent enforces user_adjusted = true iff forecasted_quantity !=
// units, when a forecasted quantity is present.
func (l LineItem) Consistent() bool {
	if l.ForecastedUnits == nil {
		return true
	}
	return l.UserAdjusted == (*l.ForecastedUnits != l.Units)
}

// Correction captures the delta between a forecast's predicted units and
// the operator's finalized units for one (order, store, SAP) line.
type Correction struct {
	Forecast       string
	Order          string
	Route          string
	Schedule       string
	DeliveryDate   time.Time
	Store          string
	SAP            string
	PredictedUnits float64
	FinalUnits     float64
	Removed        bool
	Promo          bool
	HolidayWeek    bool
	SubmittedAt    time.Time
}

// Delta returns FinalUnits - PredictedUnits.
func (c Correction) Delta() float64 {
	return c.FinalUnits - c.PredictedUnits
}

// Ratio returns FinalUnits/PredictedUnits, or 0 when both are zero.
func (c Correction) Ratio() float64 {
	if c.PredictedUnits == 0 {
		if c.FinalUnits == 0 {
			return 0
		}
		// predicted=0, final>0: ratio is undefined upward; treat as a
		// large-but-finite signal rather than +Inf so aggregates stay sane.
		return c.FinalUnits
	}
	return c.FinalUnits / c.PredictedUnits
}

// WholeCaseAdjustment records the pre/post enforcement units for one line
// and which store absorbed any residual.
type WholeCaseAdjustment struct {
	PreUnits       int
	PostUnits      int
	TriggerReason  string
	ResidualStore  string
}

// ForecastItem is one (store, SAP) forecast line within a ForecastPayload.
type ForecastItem struct {
	Store                string
	SAP                  string
	RecommendedUnits     int
	RecommendedCases     int
	P10                  float64
	P50                  float64
	P90                  float64
	Promo                bool
	Confidence           float64
	Source               string // last_order_anchor | schedule_aware | store_centric | slow_intermittent | expiry_replacement
	PriorOrderUnits      *int
	PriorOrderDate       *time.Time
	ExpiryReplacement    bool
	LowQtyReason         string
	WholeCaseAdjustment  *WholeCaseAdjustment
	Extras               map[string]any
}

// ForecastPayload is the full set of forecast items for one
// (route, delivery_date, schedule) plus metadata.
type ForecastPayload struct {
	ForecastID   string
	Route        string
	DeliveryDate time.Time
	Schedule     string
	GeneratedAt  time.Time
	Items        []ForecastItem
	ExpiresAt    time.Time
}

// Valid enforces ExpiresAt > GeneratedAt.
func (p ForecastPayload) Valid() bool {
	return p.ExpiresAt.After(p.GeneratedAt)
}

// BandCalibration is the per (route, schedule, interval) calibration row.
type BandCalibration struct {
	Route            string
	Schedule         string
	Interval         string
	BandScale        float64
	CenterOffset     float64
	ObservedCoverage float64
	TargetCoverage   float64
	UnderRate        float64
	OverRate         float64
	SampleLines      int
	FoldCount        int
	LastBacktestAt   time.Time
	UpdatedAt        time.Time
}

// SourceCalibration is the per-source-tag parallel calibration row.
type SourceCalibration struct {
	Route              string
	Schedule           string
	Interval           string
	Source             string
	BandScaleMult      float64
	CenterOffsetUnits  float64
	ObservedCoverage   float64
	TargetCoverage     float64
	UnderRate          float64
	OverRate           float64
	LineCount          int
	UpdatedAt          time.Time
}

// JobStatus enumerates the QueueJob state machine states.
type JobStatus string

const (
	JobQueued        JobStatus = "queued"
	JobProcessing    JobStatus = "processing"
	JobReady         JobStatus = "ready"
	JobReadyPartial  JobStatus = "ready_partial"
	JobFailed        JobStatus = "failed"
	JobExpired       JobStatus = "expired"
	JobCanceled      JobStatus = "canceled"
)

// JobKind distinguishes export jobs from purge jobs for route-scoped
// mutual exclusion.
type JobKind string

const (
	JobKindExport JobKind = "export"
	JobKindPurge  JobKind = "purge"
)

// Artifact describes the exported blob produced by a successful export job.
type Artifact struct {
	StoragePath string
	Parts       int
	ExpiresAt   time.Time
	SizeBytes   int64
}

// QueueJob is an export or purge job document.
type QueueJob struct {
	ID                 string
	Kind               JobKind
	Status             JobStatus
	RouteNumber        string
	FromDate           time.Time
	ToDate             time.Time
	Format             string
	Requester          string
	AttemptCount       int
	MaxAttempts        int
	ClaimedBy          string
	StartedAt          *time.Time
	WorkerHeartbeatAt  *time.Time
	RetryAfter         *time.Time
	ErrorCode          string
	ErrorMessage       string
	Artifact           *Artifact
	CreatedAt          time.Time
	CanceledByOwner    bool
}

// RouteLock asserts that one worker currently owns processing for a
// (route, job kind) pair.
type RouteLock struct {
	Route      string
	Kind       JobKind
	ExportID   string
	LockedBy   string
	LockedUntil time.Time
}

// RefreshState tracks the weekly backtest snapshot cadence for a route.
type RefreshState struct {
	Route           string
	LastRefreshedAt time.Time
	LastStatus      string
	LastFoldCount   int
	LastError       string
}

// PurgeCheckpointStatus is the terminal state of a purge checkpoint.
type PurgeCheckpointStatus string

const (
	PurgeCompleted PurgeCheckpointStatus = "completed"
	PurgeFailed    PurgeCheckpointStatus = "failed"
)

// PurgeCheckpoint enables idempotent resumption of purge work per
// (route, delivery).
type PurgeCheckpoint struct {
	Route    string
	Delivery time.Time
	Status   PurgeCheckpointStatus
	EventID  string
	Details  string
}

// PoolingPolicy controls which routes in a RouteGroup are eligible for
// cross-route transfer suggestions.
type PoolingPolicy string

const (
	PoolingEligibleList   PoolingPolicy = "eligible_list"
	PoolingAutoSlowMovers PoolingPolicy = "auto_slow_movers"
)

// RouteGroup is a multi-route pooling unit: one master route plus member
// routes sharing a cross-route transfer policy.
type RouteGroup struct {
	ID          string
	MasterRoute string
	Routes      []string
	Policy      PoolingPolicy
}

// TransferPattern is a prior user-created (from_route, to_route, sap)
// pairing. The transfer planner only ever emits a suggestion that
// matches one of these; it never invents a route pairing that a user has
// not exercised before.
type TransferPattern struct {
	FromRoute string
	ToRoute   string
	SAP       string
}

// TransferSuggestionStatus is the lifecycle state of a TransferSuggestion.
type TransferSuggestionStatus string

const (
	TransferActive   TransferSuggestionStatus = "active"
	TransferReserved TransferSuggestionStatus = "reserved"
	TransferCanceled TransferSuggestionStatus = "canceled"
)

// TransferSuggestion is one cross-route pooled-demand transfer
// recommendation for a single (delivery_date, schedule, sap) cycle, keyed
// "forecast:{date}:{schedule}:{from}:{to}:{sap}".
type TransferSuggestion struct {
	ID           string
	DeliveryDate time.Time
	Schedule     string
	FromRoute    string
	ToRoute      string
	SAP          string
	Units        int
	Status       TransferSuggestionStatus
	UpdatedAt    time.Time
}

// RouteStatus is the public per-route status document the retrain
// orchestrator unconditionally refreshes every tick.
type RouteStatus struct {
	Route             string
	OrderCount        int
	MinOrdersRequired int
	HasTrainedModel   bool
	LastUpdated       time.Time
}
