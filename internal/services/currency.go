// Package services holds cross-module domain services.
package services

import (
	"github.com/rs/zerolog"

	"github.com/foliotrack/foliotrack/internal/clients/exchangerate"
)

// CurrencyService converts amounts into the configured base currency.
type CurrencyService struct {
	client       *exchangerate.Client
	baseCurrency string
	log          zerolog.Logger
}

// NewCurrencyService creates a new currency conversion service.
func NewCurrencyService(client *exchangerate.Client, baseCurrency string, log zerolog.Logger) *CurrencyService {
	return &CurrencyService{
		client:       client,
		baseCurrency: baseCurrency,
		log:          log.With().Str("service", "currency").Logger(),
	}
}

// BaseCurrency returns the configured base currency code.
func (s *CurrencyService) BaseCurrency() string {
	return s.baseCurrency
}

// ToBase converts an amount from the given currency into the base currency.
func (s *CurrencyService) ToBase(amount float64, fromCurrency string) (float64, error) {
	if fromCurrency == s.baseCurrency || fromCurrency == "" {
		return amount, nil
	}

	rate, err := s.client.GetRate(fromCurrency, s.baseCurrency)
	if err != nil {
		return 0, err
	}

	return amount * rate, nil
}
