package directory

import (
    "testing"

    "github.com/hamzaKhattat/voip-billing-engine/internal/models"
    "github.com/hamzaKhattat/voip-billing-engine/pkg/errors"
)

func device(id int, techPrefix string, port int) *models.OriginatorProfile {
    return &models.OriginatorProfile{ID: id, TechPrefix: techPrefix, Port: port}
}

func TestMatchOriginator(t *testing.T) {
    t.Run("no host match", func(t *testing.T) {
        op, err := matchOriginator(nil, 5060, "99")
        if op != nil || err != nil {
            t.Fatalf("got (%v, %v), want (nil, nil)", op, err)
        }
    })

    t.Run("exact match", func(t *testing.T) {
        devices := []*models.OriginatorProfile{
            device(1, "88", 5060),
            device(2, "99", 5060),
        }
        op, err := matchOriginator(devices, 5060, "99")
        if err != nil {
            t.Fatalf("unexpected error: %v", err)
        }
        if op == nil || op.ID != 2 {
            t.Fatalf("matched device = %v, want id 2", op)
        }
    })

    t.Run("zero port accepts any caller port", func(t *testing.T) {
        devices := []*models.OriginatorProfile{device(1, "99", 0)}
        op, err := matchOriginator(devices, 5080, "99")
        if err != nil || op == nil || op.ID != 1 {
            t.Fatalf("got (%v, %v), want wildcard port device", op, err)
        }
    })

    t.Run("tech prefix mismatch", func(t *testing.T) {
        devices := []*models.OriginatorProfile{device(1, "88", 5060)}
        op, err := matchOriginator(devices, 5060, "99")
        if op != nil {
            t.Fatalf("matched device = %v, want none", op)
        }
        if !errors.Is(err, errors.ErrTechPrefixMismatch) {
            t.Fatalf("err = %v, want ErrTechPrefixMismatch", err)
        }
    })

    t.Run("port mismatch", func(t *testing.T) {
        devices := []*models.OriginatorProfile{device(1, "99", 5060)}
        op, err := matchOriginator(devices, 5080, "99")
        if op != nil {
            t.Fatalf("matched device = %v, want none", op)
        }
        if !errors.Is(err, errors.ErrPortMismatch) {
            t.Fatalf("err = %v, want ErrPortMismatch", err)
        }
    })

    t.Run("prefix narrows before port", func(t *testing.T) {
        // One device carries the prefix on another port, one the port
        // with another prefix: the prefix comparison wins, so this is
        // a port mismatch, not a prefix mismatch.
        devices := []*models.OriginatorProfile{
            device(1, "99", 5061),
            device(2, "88", 5060),
        }
        _, err := matchOriginator(devices, 5060, "99")
        if !errors.Is(err, errors.ErrPortMismatch) {
            t.Fatalf("err = %v, want ErrPortMismatch", err)
        }
    })
}
