package clientdata

import "time"

// TTL constants for different data types.
// These are added to time.Now() when storing to calculate expires_at.
const (
	// Contract classification metadata (industry/category/country) is
	// effectively static for an instrument.
	TTLContractMetadata = 30 * 24 * time.Hour

	// Short-lived data (changes frequently)
	TTLExchangeRate = time.Hour       // Currency exchange rates
	TTLQuote        = 5 * time.Minute // Last price + previous close quotes
)
