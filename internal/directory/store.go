package directory

import (
    "context"
    "database/sql"
    "encoding/json"
    "fmt"
    "strings"
    "time"

    "github.com/hamzaKhattat/voip-billing-engine/internal/models"
    "github.com/hamzaKhattat/voip-billing-engine/pkg/errors"
    "github.com/hamzaKhattat/voip-billing-engine/pkg/logger"
)

// CacheInterface is the shared cache surface the store depends on.
type CacheInterface interface {
    Get(ctx context.Context, key string, dest interface{}) error
    Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
    Delete(ctx context.Context, keys ...string) error
}

// Store is the retrieval layer for originators, accounts, tariff
// rates, dial peers and number lists. Hot-path lookups go through the
// shared cache; everything else hits the database directly.
type Store struct {
    db         *sql.DB
    cache      CacheInterface
    profileTTL time.Duration
}

func NewStore(db *sql.DB, cache CacheInterface, profileTTL time.Duration) *Store {
    if profileTTL <= 0 {
        profileTTL = time.Minute
    }
    return &Store{
        db:         db,
        cache:      cache,
        profileTTL: profileTTL,
    }
}

func originatorKey(host string, port int, techPrefix string) string {
    return fmt.Sprintf("op:%s:%d:%s", host, port, techPrefix)
}

// GetOriginator resolves the device placing the call, cache first.
// Devices are matched by host alone so a host that exists with a
// different tech prefix or port yields a typed mismatch error instead
// of not-found. Returns nil without error when no device has the host.
func (s *Store) GetOriginator(ctx context.Context, host string, port int, techPrefix string) (*models.OriginatorProfile, error) {
    log := logger.WithContext(ctx)

    var cached models.OriginatorProfile
    if err := s.cache.Get(ctx, originatorKey(host, port, techPrefix), &cached); err == nil && cached.ID != 0 {
        log.WithField("device_id", cached.ID).Debug("Originator profile from cache")
        return &cached, nil
    }

    query := `
        SELECT d.id, d.user_id, d.name, d.host, d.port, d.tech_prefix, d.blocked,
               d.capacity, d.max_call_rate, d.grace_time, d.tariff_id,
               d.custom_tariff_id, d.intra_tariff_id, d.inter_tariff_id,
               d.cps_limit, d.cps_period, d.src_allow_regexp, d.src_deny_regexp,
               d.codecs, d.balance_limit, d.max_timeout, d.routing_algorithm,
               d.quality_routing_id, d.route_group_id, d.hgc_mapping,
               d.static_list_id, d.static_list_mode, d.dst_list_id,
               d.dst_list_mode, d.trace_enabled
        FROM devices d
        WHERE d.host = ?
          AND d.direction IN ('origination', 'both')`

    rows, err := s.db.QueryContext(ctx, query, host)
    if err != nil {
        return nil, errors.Wrap(err, errors.ErrDatabase, "originator lookup failed")
    }
    defer rows.Close()

    var devices []*models.OriginatorProfile
    for rows.Next() {
        var op models.OriginatorProfile
        var codecsJSON sql.NullString

        if err := rows.Scan(
            &op.ID, &op.UserID, &op.Name, &op.Host, &op.Port, &op.TechPrefix, &op.Blocked,
            &op.Capacity, &op.MaxCallRate, &op.GraceTime, &op.TariffID,
            &op.CustomTariffID, &op.IntraTariffID, &op.InterTariffID,
            &op.CPSLimit, &op.CPSPeriod, &op.SrcAllowRegexp, &op.SrcDenyRegexp,
            &codecsJSON, &op.BalanceLimit, &op.MaxTimeout, &op.RoutingAlgorithm,
            &op.QualityRoutingID, &op.RouteGroupID, &op.HGCMapping,
            &op.StaticListID, &op.StaticListMode, &op.DstListID,
            &op.DstListMode, &op.TraceEnabled,
        ); err != nil {
            return nil, errors.Wrap(err, errors.ErrDatabase, "originator scan failed")
        }

        if codecsJSON.Valid && codecsJSON.String != "" {
            json.Unmarshal([]byte(codecsJSON.String), &op.Codecs)
        }
        devices = append(devices, &op)
    }
    if err := rows.Err(); err != nil {
        return nil, errors.Wrap(err, errors.ErrDatabase, "originator lookup failed")
    }

    op, err := matchOriginator(devices, port, techPrefix)
    if op == nil || err != nil {
        return nil, err
    }
    op.FetchedAt = time.Now()

    s.cache.Set(ctx, originatorKey(host, port, techPrefix), *op, s.profileTTL)

    return op, nil
}

// matchOriginator narrows host-matched devices down by tech prefix,
// then port. A device port of zero accepts any caller port.
func matchOriginator(devices []*models.OriginatorProfile, port int, techPrefix string) (*models.OriginatorProfile, error) {
    if len(devices) == 0 {
        return nil, nil
    }

    var prefixed []*models.OriginatorProfile
    for _, d := range devices {
        if d.TechPrefix == techPrefix {
            prefixed = append(prefixed, d)
        }
    }
    if len(prefixed) == 0 {
        return nil, errors.New(errors.ErrTechPrefixMismatch, "host matched but tech prefix did not")
    }

    for _, d := range prefixed {
        if d.Port == 0 || d.Port == port {
            return d, nil
        }
    }
    return nil, errors.New(errors.ErrPortMismatch, "host and tech prefix matched but port did not")
}

// InvalidateOriginator drops the cached profile.
func (s *Store) InvalidateOriginator(ctx context.Context, host string, port int, techPrefix string) {
    s.cache.Delete(ctx, originatorKey(host, port, techPrefix))
}

// GetAccount loads the billing account. Nil without error when absent.
func (s *Store) GetAccount(ctx context.Context, userID int) (*models.UserAccount, error) {
    query := `
        SELECT id, username, balance, balance_limit, max_in_calls, max_out_calls
        FROM users WHERE id = ?`

    var acct models.UserAccount
    err := s.db.QueryRowContext(ctx, query, userID).Scan(
        &acct.ID, &acct.Username, &acct.Balance, &acct.BalanceLimit,
        &acct.MaxInCalls, &acct.MaxOutCalls,
    )
    if err == sql.ErrNoRows {
        return nil, nil
    }
    if err != nil {
        return nil, errors.Wrap(err, errors.ErrDatabase, "account lookup failed")
    }

    return &acct, nil
}

// AddBalance applies a signed delta to the stored account balance.
func (s *Store) AddBalance(ctx context.Context, userID int, delta float64) error {
    _, err := s.db.ExecContext(ctx, "UPDATE users SET balance = balance + ? WHERE id = ?", delta, userID)
    if err != nil {
        return errors.Wrap(err, errors.ErrDatabase, "balance update failed")
    }
    return nil
}

// prefixArgs expands a number into its prefixes, longest first, for
// rate matching ("4479" -> "4479","447","44","4").
func prefixArgs(number string) []interface{} {
    args := make([]interface{}, 0, len(number))
    for i := len(number); i > 0; i-- {
        args = append(args, number[:i])
    }
    return args
}

// LookupRate finds the longest currently effective prefix rate in a
// tariff. Nil without error when no prefix matches.
func (s *Store) LookupRate(ctx context.Context, tariffID int, number string) (*models.Rate, error) {
    if number == "" {
        return nil, nil
    }

    args := prefixArgs(number)
    placeholders := strings.TrimSuffix(strings.Repeat("?,", len(args)), ",")

    query := fmt.Sprintf(`
        SELECT r.prefix, r.rate, r.min_time, r.increment_s, r.connection_fee, r.blocked,
               t.exchange_rate
        FROM rates r
        JOIN tariffs t ON t.id = r.tariff_id
        WHERE r.tariff_id = ? AND r.prefix IN (%s)
          AND (r.effective_from IS NULL OR r.effective_from < NOW())
        ORDER BY LENGTH(r.prefix) DESC, r.effective_from DESC
        LIMIT 1`, placeholders)

    queryArgs := append([]interface{}{tariffID}, args...)

    var rate models.Rate
    err := s.db.QueryRowContext(ctx, query, queryArgs...).Scan(
        &rate.Prefix, &rate.Rate, &rate.MinTime, &rate.Increment,
        &rate.ConnectionFee, &rate.Blocked, &rate.ExchangeRate,
    )
    if err == sql.ErrNoRows {
        return nil, nil
    }
    if err != nil {
        return nil, errors.Wrap(err, errors.ErrDatabase, "rate lookup failed")
    }

    return &rate, nil
}

// QualityProfile loads a quality routing configuration. Window sizes
// default to 100 when unset, matching a freshly created profile.
func (s *Store) QualityProfile(ctx context.Context, id int) (*models.QualityProfile, error) {
    query := `
        SELECT id, name, formula, asr_calls, acd_calls, total_calls,
               total_answered_calls, total_failed_calls, total_billsec_calls
        FROM quality_routings WHERE id = ?`

    var p models.QualityProfile
    err := s.db.QueryRowContext(ctx, query, id).Scan(
        &p.ID, &p.Name, &p.Formula, &p.ASRCalls, &p.ACDCalls, &p.TotalCalls,
        &p.AnsweredCalls, &p.FailedCalls, &p.TotalBillsecCalls,
    )
    if err == sql.ErrNoRows {
        return nil, nil
    }
    if err != nil {
        return nil, errors.Wrap(err, errors.ErrDatabase, "quality profile lookup failed")
    }

    for _, w := range []*int{&p.ASRCalls, &p.ACDCalls, &p.TotalCalls, &p.AnsweredCalls, &p.FailedCalls, &p.TotalBillsecCalls} {
        if *w <= 0 {
            *w = 100
        }
    }

    return &p, nil
}

// RecentOutcomes returns up to limit completed calls for a termination
// point from the last 24 hours, newest first. Used to cold start
// quality histories.
func (s *Store) RecentOutcomes(ctx context.Context, tpID, limit int) ([]models.QualitySample, error) {
    query := `
        SELECT billsec, disposition, UNIX_TIMESTAMP(calldate)
        FROM calls
        WHERE dst_device_id = ? AND (hangupcause < 300 OR hangupcause = 312)
          AND calldate >= NOW() - INTERVAL 1 DAY
        ORDER BY calldate DESC
        LIMIT ?`

    rows, err := s.db.QueryContext(ctx, query, tpID, limit)
    if err != nil {
        return nil, errors.Wrap(err, errors.ErrDatabase, "outcome history lookup failed")
    }
    defer rows.Close()

    var samples []models.QualitySample
    for rows.Next() {
        var billsec int
        var disposition string
        var ts int64
        if err := rows.Scan(&billsec, &disposition, &ts); err != nil {
            continue
        }
        samples = append(samples, models.QualitySample{
            Billsec:   billsec,
            Answered:  disposition == "ANSWERED",
            Timestamp: ts,
        })
    }

    return samples, rows.Err()
}

// NumberListMatch checks a number against a stored list, honoring the
// per-row exact/prefix match mode.
func (s *Store) NumberListMatch(ctx context.Context, listID int, number string) (bool, error) {
    query := `
        SELECT number, match_mode FROM number_lists WHERE list_id = ?`

    rows, err := s.db.QueryContext(ctx, query, listID)
    if err != nil {
        return false, errors.Wrap(err, errors.ErrDatabase, "number list lookup failed")
    }
    defer rows.Close()

    for rows.Next() {
        var entry, mode string
        if err := rows.Scan(&entry, &mode); err != nil {
            continue
        }
        if mode == "prefix" {
            if strings.HasPrefix(number, entry) {
                return true, nil
            }
        } else if entry == number {
            return true, nil
        }
    }

    return false, rows.Err()
}

// SaveTrace persists the accumulated decision trace of a traced call.
func (s *Store) SaveTrace(ctx context.Context, callID string, lines []string) error {
    if len(lines) == 0 {
        return nil
    }
    _, err := s.db.ExecContext(ctx,
        "INSERT INTO call_traces (call_id, trace) VALUES (?, ?)",
        callID, strings.Join(lines, "\n"))
    if err != nil {
        return errors.Wrap(err, errors.ErrDatabase, "trace insert failed")
    }
    return nil
}
