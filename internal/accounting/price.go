package accounting

// BilledSeconds rounds billable seconds up to the next increment
// boundary (an exact boundary stays), then floors the result up to the
// minimum billable time.
func BilledSeconds(billsec, minTime, increment int) int {
    if increment < 1 {
        increment = 1
    }

    if billsec%increment != 0 {
        billsec = (billsec/increment + 1) * increment
    }

    if billsec < minTime {
        billsec = minTime
    }

    return billsec
}

// Price computes the charge for a completed leg. Grace time zeroes the
// whole charge when the call did not outlast the grace threshold. The
// exchange rate normalizes into the engine currency; zero counts as 1.
func Price(duration, billsec int, rate float64, minTime, increment int, connectionFee, exchangeRate float64, graceTime int) (int, float64) {
    if graceTime > 0 && duration <= graceTime {
        return 0, 0
    }

    if billsec <= 0 {
        return 0, 0
    }

    billed := BilledSeconds(billsec, minTime, increment)
    price := rate*float64(billed)/60.0 + connectionFee

    if exchangeRate == 0 {
        exchangeRate = 1
    }

    return billed, price / exchangeRate
}
