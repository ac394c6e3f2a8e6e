package params

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Token holds the genesis token deployment parameters. The entire
// supply is minted to the deployer.
type Token struct {
	Address  string // token ledger address (hex)
	Name     string
	Symbol   string
	Decimals uint8
	Supply   int64  // whole tokens; scaled by 10^Decimals at mint
	Deployer string // receives the genesis supply (hex)
}

// Exchange holds the immutable exchange deployment parameters.
type Exchange struct {
	Address    string // exchange's identity in token ledgers (hex)
	FeeAccount string // receives trade fees (hex)
	FeePercent int64  // whole percent on the get side
}

type Node struct {
	DataDir string // pebble database directory
	LogFile string
	Journal string // event journal path, "" disables
}

type API struct {
	Addr           string
	AllowedOrigins []string
}

type Config struct {
	Token    Token
	Exchange Exchange
	Node     Node
	API      API
}

// Default returns a devnet configuration: 1,000,000 tokens minted to
// the deployer, 10% fill fee.
func Default() Config {
	return Config{
		Token: Token{
			Address:  "0x0000000000000000000000000000000000000001",
			Name:     "Dex Token",
			Symbol:   "DEX",
			Decimals: 18,
			Supply:   1_000_000,
			Deployer: "0x00000000000000000000000000000000000000D0",
		},
		Exchange: Exchange{
			Address:    "0x00000000000000000000000000000000000000E0",
			FeeAccount: "0x00000000000000000000000000000000000000FE",
			FeePercent: 10,
		},
		Node: Node{
			DataDir: "data/exchange.db",
			LogFile: "data/dexd.log",
			Journal: "data/events.log",
		},
		API: API{
			Addr:           ":8080",
			AllowedOrigins: []string{"http://localhost:3000"},
		},
	}
}

// LoadFromEnv loads configuration from a .env file (if present) and
// environment variables. Priority: ENV > .env file > defaults.
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	if v := os.Getenv("TOKEN_ADDRESS"); v != "" {
		cfg.Token.Address = v
	}
	if v := os.Getenv("TOKEN_NAME"); v != "" {
		cfg.Token.Name = v
	}
	if v := os.Getenv("TOKEN_SYMBOL"); v != "" {
		cfg.Token.Symbol = v
	}
	if v := os.Getenv("TOKEN_SUPPLY"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.Token.Supply = n
		}
	}
	if v := os.Getenv("DEPLOYER"); v != "" {
		cfg.Token.Deployer = v
	}

	if v := os.Getenv("EXCHANGE_ADDRESS"); v != "" {
		cfg.Exchange.Address = v
	}
	if v := os.Getenv("FEE_ACCOUNT"); v != "" {
		cfg.Exchange.FeeAccount = v
	}
	if v := os.Getenv("FEE_PERCENT"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 && n <= 100 {
			cfg.Exchange.FeePercent = n
		}
	}

	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Node.DataDir = v
	}
	if v := os.Getenv("LOG_FILE"); v != "" {
		cfg.Node.LogFile = v
	}
	if v := os.Getenv("EVENT_JOURNAL"); v != "" {
		cfg.Node.Journal = v
	}

	if v := os.Getenv("API_ADDR"); v != "" {
		cfg.API.Addr = v
	}
	if v := os.Getenv("API_ORIGINS"); v != "" {
		cfg.API.AllowedOrigins = strings.Split(v, ",")
	}

	return cfg
}
