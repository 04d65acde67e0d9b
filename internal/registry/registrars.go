package registry

import (
	"context"
	"strconv"

	"github.com/haiphen/tradegate/internal/broker"
	"github.com/haiphen/tradegate/internal/broker/tradehybrid"

	// Venue adapters register their factories from init().
	_ "github.com/haiphen/tradegate/internal/broker/alpaca"
	_ "github.com/haiphen/tradegate/internal/broker/binance"
	_ "github.com/haiphen/tradegate/internal/broker/ctrader"
	_ "github.com/haiphen/tradegate/internal/broker/ibkr"
	_ "github.com/haiphen/tradegate/internal/broker/metatrader"
	_ "github.com/haiphen/tradegate/internal/broker/oanda"
	_ "github.com/haiphen/tradegate/internal/broker/tradovate"
)

// Typed registrars for each venue. Each registers under the venue's default
// id and follows the same test-before-insert rule as Register.

func (s *Service) RegisterAlpaca(ctx context.Context, apiKey, apiSecret string, paper bool) (broker.Connection, error) {
	return s.Register(ctx, "alpaca", "alpaca", broker.Credentials{
		"api_key":    apiKey,
		"api_secret": apiSecret,
		"paper":      strconv.FormatBool(paper),
	})
}

func (s *Service) RegisterBinance(ctx context.Context, apiKey, apiSecret string, testnet bool) (broker.Connection, error) {
	return s.Register(ctx, "binance", "binance", broker.Credentials{
		"api_key":    apiKey,
		"api_secret": apiSecret,
		"testnet":    strconv.FormatBool(testnet),
	})
}

func (s *Service) RegisterOANDA(ctx context.Context, apiToken, accountID string, practice bool) (broker.Connection, error) {
	return s.Register(ctx, "oanda", "oanda", broker.Credentials{
		"api_token":  apiToken,
		"account_id": accountID,
		"practice":   strconv.FormatBool(practice),
	})
}

func (s *Service) RegisterCTrader(ctx context.Context, clientID, clientSecret, accessToken, refreshToken, accountID string) (broker.Connection, error) {
	return s.Register(ctx, "ctrader", "ctrader", broker.Credentials{
		"client_id":     clientID,
		"client_secret": clientSecret,
		"access_token":  accessToken,
		"refresh_token": refreshToken,
		"account_id":    accountID,
	})
}

func (s *Service) RegisterIBKR(ctx context.Context, username, password, accountID string) (broker.Connection, error) {
	return s.Register(ctx, "ibkr", "ibkr", broker.Credentials{
		"username":   username,
		"password":   password,
		"account_id": accountID,
	})
}

// RegisterMetaTrader registers an MT4 or MT5 bridge account under "mt4" or
// "mt5".
func (s *Service) RegisterMetaTrader(ctx context.Context, version int, login, password, server, bridgeURL, apiToken string) (broker.Connection, error) {
	venue := "mt" + strconv.Itoa(version)
	return s.Register(ctx, broker.ID(venue), venue, broker.Credentials{
		"login":      login,
		"password":   password,
		"server":     server,
		"bridge_url": bridgeURL,
		"api_token":  apiToken,
	})
}

func (s *Service) RegisterTradovate(ctx context.Context, username, password, cid, sec string, demo bool) (broker.Connection, error) {
	return s.Register(ctx, "tradovate", "tradovate", broker.Credentials{
		"username": username,
		"password": password,
		"cid":      cid,
		"sec":      sec,
		"demo":     strconv.FormatBool(demo),
	})
}

// RegisterTradeHybrid registers a ledger account under tradehybrid_<userID>.
func (s *Service) RegisterTradeHybrid(ctx context.Context, userID, initialBalance string) (broker.Connection, error) {
	id, err := tradehybrid.ID(userID)
	if err != nil {
		return nil, err
	}
	return s.Register(ctx, id, "tradehybrid", broker.Credentials{
		"user_id":         userID,
		"initial_balance": initialBalance,
	})
}
