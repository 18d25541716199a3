package rating

import (
    "github.com/hamzaKhattat/voip-billing-engine/internal/models"
)

// Jurisdiction classes for tariff substitution.
type Jurisdiction int

const (
    JurisdictionUndetermined Jurisdiction = iota
    JurisdictionIntra
    JurisdictionInter
)

// Classify compares the leading area digits of source and destination.
// Numbers too short to carry an area code are undetermined.
func Classify(src, dst string, areaDigits int) Jurisdiction {
    if areaDigits <= 0 {
        return JurisdictionUndetermined
    }
    if len(src) < areaDigits || len(dst) < areaDigits {
        return JurisdictionUndetermined
    }
    if src[:areaDigits] == dst[:areaDigits] {
        return JurisdictionIntra
    }
    return JurisdictionInter
}

// SelectTariff picks the tariff used to rate the originator leg. A
// custom override tariff always wins; otherwise jurisdictional tariffs
// substitute the default when the call classifies as intra or inter
// state and such a tariff is configured.
func SelectTariff(op *models.OriginatorProfile, src, dst string, areaDigits int) int {
    if op.CustomTariffID > 0 {
        return op.CustomTariffID
    }

    switch Classify(src, dst, areaDigits) {
    case JurisdictionIntra:
        if op.IntraTariffID > 0 {
            return op.IntraTariffID
        }
    case JurisdictionInter:
        if op.InterTariffID > 0 {
            return op.InterTariffID
        }
    }

    return op.TariffID
}
