package models

import (
    "database/sql/driver"
    "encoding/json"
    "sync"
    "time"
)

// Call states
type CallState string

const (
    CallStateNew        CallState = "NEW"
    CallStateProcessing CallState = "PROCESSING"
    CallStateRouting    CallState = "ROUTING"
    CallStateRinging    CallState = "RINGING"
    CallStateAnswered   CallState = "ANSWERED"
    CallStateFinished   CallState = "FINISHED"
    CallStateFailed     CallState = "FAILED"
)

// Routing order policies
type OrderPolicy string

const (
    OrderByPrice    OrderPolicy = "price"
    OrderByWeight   OrderPolicy = "weight"
    OrderByPercent  OrderPolicy = "percent"
    OrderByQuality  OrderPolicy = "quality"
    OrderNone       OrderPolicy = "none"
    OrderByDialPeer OrderPolicy = "by_dialpeer"
)

// Hangup cause codes. These are wire-visible and must stay stable.
const (
    CauseEmptyHost          = 300
    CauseAuthNotFound       = 301
    CauseGlobalLimit        = 302
    CauseOriginatorCapacity = 303
    CauseCPSLimit           = 304
    CauseSourceRegex        = 305
    CauseBalanceLimit       = 306
    CauseNoRate             = 307
    CauseNoRoute            = 308
    CauseNoTerminator       = 310
    CauseBlocked            = 311
    CauseConcurrencyLimit   = 313
    CauseCodecMismatch      = 318
    CauseBalanceTooLow      = 320
    CauseDstBlacklisted     = 325
    CauseDstNotWhitelisted  = 326
    CauseBlockedRate        = 330
    CauseTechPrefixMismatch = 332
    CausePortMismatch       = 333
    CauseSrcBlacklisted     = 334
    CauseSrcNotWhitelisted  = 335
    CauseMaxCallRate        = 340
    CauseOverload           = 342
)

var causeText = map[int]string{
    CauseEmptyHost:          "empty host",
    CauseAuthNotFound:       "originator not found",
    CauseGlobalLimit:        "global call limit reached",
    CauseOriginatorCapacity: "originator capacity reached",
    CauseCPSLimit:           "CPS limit reached",
    CauseSourceRegex:        "source number rejected by regexp",
    CauseBalanceLimit:       "balance limit reached",
    CauseNoRate:             "no rate for destination",
    CauseNoRoute:            "no valid dial peer",
    CauseNoTerminator:       "no valid termination point",
    CauseBlocked:            "originator blocked",
    CauseConcurrencyLimit:   "account concurrency limit reached",
    CauseCodecMismatch:      "no compatible codec",
    CauseBalanceTooLow:      "balance too low for minimum call",
    CauseDstBlacklisted:     "destination blacklisted",
    CauseDstNotWhitelisted:  "destination not in whitelist",
    CauseBlockedRate:        "destination rate blocked",
    CauseTechPrefixMismatch: "tech prefix mismatch",
    CausePortMismatch:       "port mismatch",
    CauseSrcBlacklisted:     "source blacklisted",
    CauseSrcNotWhitelisted:  "source not in whitelist",
    CauseMaxCallRate:        "max call rate exceeded",
    CauseOverload:           "dropped by overload protection",
}

// CauseText returns a human readable description for a cause code.
func CauseText(code int) string {
    if text, ok := causeText[code]; ok {
        return text
    }
    return "unknown cause"
}

// JSON field for database storage
type JSON map[string]interface{}

func (j JSON) Value() (driver.Value, error) {
    return json.Marshal(j)
}

func (j *JSON) Scan(value interface{}) error {
    if value == nil {
        *j = make(JSON)
        return nil
    }

    bytes, ok := value.([]byte)
    if !ok {
        return nil
    }

    return json.Unmarshal(bytes, j)
}

// Rate is a single resolved tariff entry for a destination prefix.
type Rate struct {
    Prefix        string  `json:"prefix" db:"prefix"`
    Rate          float64 `json:"rate" db:"rate"`
    MinTime       int     `json:"min_time" db:"min_time"`
    Increment     int     `json:"increment" db:"increment"`
    ConnectionFee float64 `json:"connection_fee" db:"connection_fee"`
    ExchangeRate  float64 `json:"exchange_rate" db:"exchange_rate"`
    Blocked       bool    `json:"blocked" db:"blocked"`
}

// EffectiveRate returns the rate normalized by the tariff currency
// exchange rate. A zero or unset exchange rate counts as 1.
func (r Rate) EffectiveRate() float64 {
    if r.ExchangeRate == 0 {
        return r.Rate
    }
    return r.Rate / r.ExchangeRate
}

// OriginatorProfile is the cached authentication/authorization snapshot
// of the device placing the call.
type OriginatorProfile struct {
    ID               int         `json:"id" db:"id"`
    UserID           int         `json:"user_id" db:"user_id"`
    Name             string      `json:"name" db:"name"`
    Host             string      `json:"host" db:"host"`
    Port             int         `json:"port" db:"port"`
    TechPrefix       string      `json:"tech_prefix" db:"tech_prefix"`
    Blocked          bool        `json:"blocked" db:"blocked"`
    Capacity         int         `json:"capacity" db:"capacity"`
    MaxCallRate      float64     `json:"max_call_rate" db:"max_call_rate"`
    GraceTime        int         `json:"grace_time" db:"grace_time"`
    TariffID         int         `json:"tariff_id" db:"tariff_id"`
    CustomTariffID   int         `json:"custom_tariff_id" db:"custom_tariff_id"`
    IntraTariffID    int         `json:"intra_tariff_id" db:"intra_tariff_id"`
    InterTariffID    int         `json:"inter_tariff_id" db:"inter_tariff_id"`
    CPSLimit         int         `json:"cps_limit" db:"cps_limit"`
    CPSPeriod        int         `json:"cps_period" db:"cps_period"`
    SrcAllowRegexp   string      `json:"src_allow_regexp" db:"src_allow_regexp"`
    SrcDenyRegexp    string      `json:"src_deny_regexp" db:"src_deny_regexp"`
    Codecs           []string    `json:"codecs" db:"codecs"`
    BalanceLimit     float64     `json:"balance_limit" db:"balance_limit"`
    MaxTimeout       int         `json:"max_timeout" db:"max_timeout"`
    RoutingAlgorithm OrderPolicy `json:"routing_algorithm" db:"routing_algorithm"`
    QualityRoutingID int         `json:"quality_routing_id" db:"quality_routing_id"`
    RouteGroupID     int         `json:"route_group_id" db:"route_group_id"`
    HGCMapping       string      `json:"hgc_mapping" db:"hgc_mapping"`
    StaticListID     int         `json:"static_list_id" db:"static_list_id"`
    StaticListMode   string      `json:"static_list_mode" db:"static_list_mode"`
    DstListID        int         `json:"dst_list_id" db:"dst_list_id"`
    DstListMode      string      `json:"dst_list_mode" db:"dst_list_mode"`
    TraceEnabled     bool        `json:"trace_enabled" db:"trace_enabled"`
    FetchedAt        time.Time   `json:"fetched_at"`
}

// UserAccount is the billing identity shared by originators and
// termination points. All counters are guarded by one lock domain in
// the accounting engine.
type UserAccount struct {
    ID           int     `json:"id" db:"id"`
    Username     string  `json:"username" db:"username"`
    Balance      float64 `json:"balance" db:"balance"`
    BalanceLimit float64 `json:"balance_limit" db:"balance_limit"`
    PendingDelta float64 `json:"-"`
    InCalls      int     `json:"in_calls"`
    OutCalls     int     `json:"out_calls"`
    MaxInCalls   int     `json:"max_in_calls" db:"max_in_calls"`
    MaxOutCalls  int     `json:"max_out_calls" db:"max_out_calls"`
}

// TerminationPoint is a candidate outbound destination.
type TerminationPoint struct {
    ID         int    `json:"id" db:"id"`
    UserID     int    `json:"user_id" db:"user_id"`
    Name       string `json:"name" db:"name"`
    Host       string `json:"host" db:"host"`
    Port       int    `json:"port" db:"port"`
    TechPrefix string `json:"tech_prefix" db:"tech_prefix"`
    Capacity   int    `json:"capacity" db:"capacity"`
    CPSLimit   int    `json:"cps_limit" db:"cps_limit"`
    CPSPeriod  int    `json:"cps_period" db:"cps_period"`
    Weight     int    `json:"weight" db:"weight"`
    Percent    int    `json:"percent" db:"percent"`
    TariffID   int    `json:"tariff_id" db:"tariff_id"`
    DstRegexp  string `json:"dst_regexp" db:"dst_regexp"`
    GraceTime  int    `json:"grace_time" db:"grace_time"`
    Rate       Rate   `json:"rate"`
}

// DialPeer is a named group of termination points sharing an ordering
// policy. NoFollow restricts the peer to its top ranked candidate.
type DialPeer struct {
    ID              int                 `json:"id" db:"id"`
    Name            string              `json:"name" db:"name"`
    NoFollow        bool                `json:"no_follow" db:"no_follow"`
    PrimaryPolicy   OrderPolicy         `json:"primary_policy" db:"primary_policy"`
    SecondaryPolicy OrderPolicy         `json:"secondary_policy" db:"secondary_policy"`
    FailoverTier    int                 `json:"failover_tier" db:"failover_tier"`
    TPs             []*TerminationPoint `json:"tps"`
}

// RouteEntry is one attempt in the assembled routing table.
type RouteEntry struct {
    DP           *DialPeer
    TP           *TerminationPoint
    Price        float64
    Weight       int
    PercentRank  int
    QualityScore float64
    FailoverTier int
}

// Call is the per-attempt working object. It is owned by the admission
// pipeline until registered; afterwards it is reachable through the
// active call registry and its mutable fields are only touched while
// the embedded lock is held.
type Call struct {
    sync.Mutex `json:"-"`

    ID          string             `json:"call_id"`
    SlotID      int                `json:"slot_id"`
    State       CallState          `json:"state"`
    Originator  *OriginatorProfile `json:"-"`
    Src         string             `json:"src"`
    Dst         string             `json:"dst"`
    OriginalDst string             `json:"original_dst"`
    Routes      []*RouteEntry      `json:"-"`
    DialCount   int                `json:"dial_count"`

    OPRate  Rate    `json:"-"`
    OPPrice float64 `json:"op_price"`
    TPPrice float64 `json:"tp_price"`

    StartTime  time.Time  `json:"start_time"`
    AnswerTime *time.Time `json:"answer_time,omitempty"`
    EndTime    *time.Time `json:"end_time,omitempty"`
    Duration   int        `json:"duration"`
    Billsec    int        `json:"billsec"`

    Timeout     int  `json:"timeout"`
    HangupCause int  `json:"hangupcause"`
    Answered    bool `json:"answered"`

    TraceEnabled  bool     `json:"-"`
    TraceLog      []string `json:"-"`
    CachedReject  bool     `json:"-"`
    SystemHangup  bool     `json:"-"`
    SnapshotSaved bool     `json:"-"`
}

// ActiveRoute returns the routing entry the dial cursor points at, or
// nil when the table is exhausted.
func (c *Call) ActiveRoute() *RouteEntry {
    if c.DialCount < 0 || c.DialCount >= len(c.Routes) {
        return nil
    }
    return c.Routes[c.DialCount]
}

// CDR is one completed attempt queued for batched persistence. Each
// row is independent, so a batch insert is idempotent per row.
type CDR struct {
    CallID      string    `json:"call_id" db:"call_id"`
    Calldate    time.Time `json:"calldate" db:"calldate"`
    Src         string    `json:"src" db:"src"`
    Dst         string    `json:"dst" db:"dst"`
    SrcDeviceID int       `json:"src_device_id" db:"src_device_id"`
    DstDeviceID int       `json:"dst_device_id" db:"dst_device_id"`
    Duration    int       `json:"duration" db:"duration"`
    Billsec     int       `json:"billsec" db:"billsec"`
    HangupCause int       `json:"hangupcause" db:"hangupcause"`
    Disposition string    `json:"disposition" db:"disposition"`
    OPPrice     float64   `json:"op_price" db:"op_price"`
    TPPrice     float64   `json:"tp_price" db:"tp_price"`
}

// ActiveCallSnapshot mirrors a registered call into the store so that
// external tooling can observe in-flight traffic.
type ActiveCallSnapshot struct {
    CallID      string    `json:"call_id" db:"call_id"`
    SrcDeviceID int       `json:"src_device_id" db:"src_device_id"`
    DstDeviceID int       `json:"dst_device_id" db:"dst_device_id"`
    Src         string    `json:"src" db:"src"`
    Dst         string    `json:"dst" db:"dst"`
    State       CallState `json:"state" db:"state"`
    StartTime   time.Time `json:"start_time" db:"start_time"`
}

// QualitySample is one call outcome retained for adaptive routing.
type QualitySample struct {
    Billsec   int   `json:"billsec"`
    Answered  bool  `json:"answered"`
    Timestamp int64 `json:"timestamp"`
}

// QualityProfile configures formula driven scoring for a route group.
// Window sizes bound how many recent samples feed each metric.
type QualityProfile struct {
    ID                int    `json:"id" db:"id"`
    Name              string `json:"name" db:"name"`
    Formula           string `json:"formula" db:"formula"`
    ASRCalls          int    `json:"asr_calls" db:"asr_calls"`
    ACDCalls          int    `json:"acd_calls" db:"acd_calls"`
    TotalCalls        int    `json:"total_calls" db:"total_calls"`
    AnsweredCalls     int    `json:"total_answered_calls" db:"total_answered_calls"`
    FailedCalls       int    `json:"total_failed_calls" db:"total_failed_calls"`
    TotalBillsecCalls int    `json:"total_billsec_calls" db:"total_billsec_calls"`
}

// MaxWindow returns the widest configured metric window.
func (q QualityProfile) MaxWindow() int {
    max := q.ASRCalls
    for _, v := range []int{q.ACDCalls, q.TotalCalls, q.AnsweredCalls, q.FailedCalls, q.TotalBillsecCalls} {
        if v > max {
            max = v
        }
    }
    return max
}

// EngineStats is the aggregate view exposed over the stats API.
type EngineStats struct {
    ActiveCalls    int     `json:"active_calls"`
    SlotCapacity   int     `json:"slot_capacity"`
    TotalAdmitted  int64   `json:"total_admitted"`
    TotalRejected  int64   `json:"total_rejected"`
    CallsPerSecond float64 `json:"calls_per_second"`
    Shedding       bool    `json:"shedding"`
}
