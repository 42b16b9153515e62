package gateway

import (
	"fmt"

	"signalrelay/pkg/config"
	"signalrelay/pkg/db"
	exchange "signalrelay/pkg/exchanges/common"
	"signalrelay/pkg/exchanges/venuea"
	"signalrelay/pkg/exchanges/venueb"
	"signalrelay/pkg/exchanges/venuec"
	"signalrelay/pkg/exchanges/venued"
)

// GatewayFactory creates a Gateway instance for one exchange account.
type GatewayFactory func(account db.ExchangeAccount, apiKey, apiSecret string) (exchange.Gateway, error)

// NewDefaultFactory builds a factory that dispatches on account.Venue (A/B/C/D)
// and looks up per-symbol precision from the shared venue metadata cache.
func NewDefaultFactory(meta *config.VenueMetadata) GatewayFactory {
	return func(account db.ExchangeAccount, apiKey, apiSecret string) (exchange.Gateway, error) {
		switch account.Venue {
		case "A":
			return venuea.NewClient(venuea.Config{
				APIKey:    apiKey,
				APISecret: apiSecret,
				Testnet:   account.IsTestnet,
			}, meta), nil

		case "B":
			return venueb.NewClient(venueb.Config{
				APIKey:    apiKey,
				APISecret: apiSecret,
				Testnet:   account.IsTestnet,
			}, meta), nil

		case "C":
			return venuec.NewClient(venuec.Config{
				APIKey:    apiKey,
				APISecret: apiSecret,
				Testnet:   account.IsTestnet,
			}, meta), nil

		case "D":
			return venued.NewClient(venued.Config{
				APIKey:     apiKey,
				APISecret:  apiSecret,
				Passphrase: account.Passphrase,
				Testnet:    account.IsTestnet,
			}, meta), nil

		default:
			return nil, fmt.Errorf("unsupported venue: %s", account.Venue)
		}
	}
}
