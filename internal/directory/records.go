package directory

import (
    "context"
    "strings"

    "github.com/hamzaKhattat/voip-billing-engine/internal/models"
    "github.com/hamzaKhattat/voip-billing-engine/pkg/errors"
)

// InsertCDRs writes a batch of call records in one multi-row insert.
func (s *Store) InsertCDRs(ctx context.Context, batch []models.CDR) error {
    if len(batch) == 0 {
        return nil
    }

    var sb strings.Builder
    sb.WriteString(`INSERT INTO calls
        (call_id, calldate, src, dst, src_device_id, dst_device_id,
         duration, billsec, hangupcause, disposition, op_price, tp_price) VALUES `)

    args := make([]interface{}, 0, len(batch)*12)
    for i, cdr := range batch {
        if i > 0 {
            sb.WriteString(",")
        }
        sb.WriteString("(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)")
        args = append(args,
            cdr.CallID, cdr.Calldate, cdr.Src, cdr.Dst,
            cdr.SrcDeviceID, cdr.DstDeviceID,
            cdr.Duration, cdr.Billsec, cdr.HangupCause, cdr.Disposition,
            cdr.OPPrice, cdr.TPPrice,
        )
    }

    if _, err := s.db.ExecContext(ctx, sb.String(), args...); err != nil {
        return errors.Wrap(err, errors.ErrDatabase, "CDR batch insert failed")
    }
    return nil
}

// UpsertSnapshots writes active-call snapshots, replacing rows for
// calls already present.
func (s *Store) UpsertSnapshots(ctx context.Context, batch []models.ActiveCallSnapshot) error {
    if len(batch) == 0 {
        return nil
    }

    var sb strings.Builder
    sb.WriteString(`INSERT INTO active_calls
        (call_id, src_device_id, dst_device_id, src, dst, state, start_time) VALUES `)

    args := make([]interface{}, 0, len(batch)*7)
    for i, snap := range batch {
        if i > 0 {
            sb.WriteString(",")
        }
        sb.WriteString("(?, ?, ?, ?, ?, ?, ?)")
        args = append(args,
            snap.CallID, snap.SrcDeviceID, snap.DstDeviceID,
            snap.Src, snap.Dst, string(snap.State), snap.StartTime,
        )
    }
    sb.WriteString(" ON DUPLICATE KEY UPDATE state = VALUES(state), dst_device_id = VALUES(dst_device_id)")

    if _, err := s.db.ExecContext(ctx, sb.String(), args...); err != nil {
        return errors.Wrap(err, errors.ErrDatabase, "active call upsert failed")
    }
    return nil
}

// DeleteSnapshots removes finished calls from the active-call mirror.
func (s *Store) DeleteSnapshots(ctx context.Context, callIDs []string) error {
    if len(callIDs) == 0 {
        return nil
    }

    placeholders := strings.TrimSuffix(strings.Repeat("?,", len(callIDs)), ",")
    args := make([]interface{}, len(callIDs))
    for i, id := range callIDs {
        args[i] = id
    }

    if _, err := s.db.ExecContext(ctx,
        "DELETE FROM active_calls WHERE call_id IN ("+placeholders+")", args...); err != nil {
        return errors.Wrap(err, errors.ErrDatabase, "active call delete failed")
    }
    return nil
}
