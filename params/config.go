package params

import (
	"os"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
)

// Exchange holds the immutable ledger parameters. FeePercent is fixed at
// startup: changing it under open orders would reprice pending fills.
type Exchange struct {
	FeeAccount common.Address
	FeePercent uint64
	DBPath     string
}

type Custody struct {
	// ChainRPC is the JSON-RPC endpoint of the chain holding custodied
	// ERC-20 tokens and native value. Empty means devnet mode: the node
	// runs against the in-process simulated bank.
	ChainRPC string
	// CustodyKey is the hex private key of the custody wallet that signs
	// outbound transfers (withdrawals).
	CustodyKey string
}

type Node struct {
	APIAddr      string
	LogFile      string
	EnableGossip bool
	GossipListen string
}

type Config struct {
	Exchange Exchange
	Custody  Custody
	Node     Node
}

func Default() Config {
	return Config{
		Exchange: Exchange{
			FeeAccount: common.HexToAddress("0x00000000000000000000000000000000000000fe"),
			FeePercent: 10,
			DBPath:     "data/custodex.db",
		},
		Node: Node{
			APIAddr: ":8080",
			LogFile: "data/node.log",
		},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	// Try to load .env file (optional - won't fail if not exists)
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load() // loads .env from current directory
	}

	if fee := os.Getenv("FEE_ACCOUNT"); fee != "" && common.IsHexAddress(fee) {
		cfg.Exchange.FeeAccount = common.HexToAddress(fee)
	}
	if pct := os.Getenv("FEE_PERCENT"); pct != "" {
		if v, err := strconv.ParseUint(pct, 10, 64); err == nil && v <= 100 {
			cfg.Exchange.FeePercent = v
		}
	}
	if db := os.Getenv("DB_PATH"); db != "" {
		cfg.Exchange.DBPath = db
	}

	cfg.Custody.ChainRPC = os.Getenv("CHAIN_RPC")
	cfg.Custody.CustodyKey = os.Getenv("CUSTODY_KEY")

	if addr := os.Getenv("API_ADDR"); addr != "" {
		cfg.Node.APIAddr = addr
	}
	if lf := os.Getenv("LOG_FILE"); lf != "" {
		cfg.Node.LogFile = lf
	}
	cfg.Node.EnableGossip = os.Getenv("ENABLE_GOSSIP") == "true"
	cfg.Node.GossipListen = os.Getenv("GOSSIP_LISTEN")

	return cfg
}
