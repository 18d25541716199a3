package rating

import (
    "testing"

    "github.com/hamzaKhattat/voip-billing-engine/internal/models"
)

func TestClassify(t *testing.T) {
    tests := []struct {
        src, dst   string
        areaDigits int
        want       Jurisdiction
    }{
        {"2125551234", "2125559999", 3, JurisdictionIntra},
        {"2125551234", "3105559999", 3, JurisdictionInter},
        {"21", "2125559999", 3, JurisdictionUndetermined},
        {"2125551234", "", 3, JurisdictionUndetermined},
        {"2125551234", "3105559999", 0, JurisdictionUndetermined},
    }

    for _, tt := range tests {
        if got := Classify(tt.src, tt.dst, tt.areaDigits); got != tt.want {
            t.Errorf("Classify(%q, %q, %d) = %v, want %v",
                tt.src, tt.dst, tt.areaDigits, got, tt.want)
        }
    }
}

func TestSelectTariff(t *testing.T) {
    op := &models.OriginatorProfile{
        TariffID:      1,
        IntraTariffID: 2,
        InterTariffID: 3,
    }

    if got := SelectTariff(op, "212555", "212999", 3); got != 2 {
        t.Errorf("intra-state tariff = %d, want 2", got)
    }
    if got := SelectTariff(op, "212555", "310999", 3); got != 3 {
        t.Errorf("inter-state tariff = %d, want 3", got)
    }

    // Undetermined numbers fall back to the default.
    if got := SelectTariff(op, "21", "310999", 3); got != 1 {
        t.Errorf("undetermined tariff = %d, want default 1", got)
    }

    // A custom override beats everything.
    op.CustomTariffID = 9
    if got := SelectTariff(op, "212555", "212999", 3); got != 9 {
        t.Errorf("custom tariff = %d, want 9", got)
    }
}
