package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"time"

	"github.com/uhyunpark/custodex/pkg/api"
)

// Seeds a devnet node with demo activity through the REST API: deposits for
// two accounts, a cancelled order, three filled trades, and a stack of open
// orders. Expects the node running in devnet mode (no CHAIN_RPC), which
// pre-funds these wallets.
const (
	deployer = "0x00000000000000000000000000000000000000a1"
	user1    = "0x00000000000000000000000000000000000000a2"
	token    = "0x1000000000000000000000000000000000000001"
)

var baseURL = "http://localhost:8080"

// units converts a whole-asset amount to a decimal string in 10^18 units.
// Fractions are expressed in thousandths (e.g. milli(100) = 0.1).
func units(n int64) string {
	wei := new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000_000_000_000_000))
	return wei.String()
}

func milli(n int64) string {
	wei := new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000_000_000_000))
	return wei.String()
}

func main() {
	if v := os.Getenv("API_URL"); v != "" {
		baseURL = v
	}

	// Deployer deposits 1 native unit
	post("/api/v1/deposits/native", api.TransferRequest{Account: deployer, Amount: units(1)}, nil)
	fmt.Printf("1.- Deposited 1 native from %s\n", deployer)

	// User1 deposits 10000 tokens (allowance pre-granted by the devnet bank)
	post("/api/v1/deposits/token", api.TransferRequest{Account: user1, Token: token, Amount: units(10000)}, nil)
	fmt.Printf("2.- Deposited 10000 tokens from %s\n", user1)

	// Seed a cancelled order
	id := makeOrder(deployer, token, units(100), "native", milli(100))
	fmt.Printf("3.- Made order %d from %s\n", id, deployer)
	post("/api/v1/orders/cancel", api.OrderActionRequest{Account: deployer, OrderID: id}, nil)
	fmt.Printf("4.- Cancelled order %d\n", id)

	// Seed three filled trades
	fills := []struct {
		amountWanted, amountOffered string
	}{
		{units(100), milli(100)},
		{units(50), milli(10)},
		{units(200), milli(150)},
	}
	for _, f := range fills {
		id = makeOrder(deployer, token, f.amountWanted, "native", f.amountOffered)
		fmt.Printf("Made order %d from %s\n", id, deployer)
		post("/api/v1/orders/fill", api.OrderActionRequest{Account: user1, OrderID: id}, nil)
		fmt.Printf("Filled order %d as %s\n", id, user1)
		time.Sleep(1 * time.Second)
	}

	// Seed open orders: ten asks each from both sides
	for i := int64(1); i <= 10; i++ {
		id = makeOrder(deployer, "native", milli(10), token, units(10*i))
		fmt.Printf("Made open order %d from %s\n", id, deployer)
		time.Sleep(1 * time.Second)
	}
	for i := int64(1); i <= 10; i++ {
		id = makeOrder(user1, "native", milli(10), token, units(10*i))
		fmt.Printf("Made open order %d from %s\n", id, user1)
		time.Sleep(1 * time.Second)
	}

	fmt.Println("Done.")
}

func makeOrder(account, assetWanted, amountWanted, assetOffered, amountOffered string) uint64 {
	var resp api.MakeOrderResponse
	post("/api/v1/orders", api.MakeOrderRequest{
		Account:       account,
		AssetWanted:   assetWanted,
		AmountWanted:  amountWanted,
		AssetOffered:  assetOffered,
		AmountOffered: amountOffered,
	}, &resp)
	return resp.OrderID
}

func post(path string, body interface{}, out interface{}) {
	data, err := json.Marshal(body)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	resp, err := http.Post(baseURL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		fmt.Printf("Error: POST %s: %v\n", path, err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e api.ErrorResponse
		json.NewDecoder(resp.Body).Decode(&e)
		fmt.Printf("Error: POST %s: %d %s: %s\n", path, resp.StatusCode, e.Error, e.Message)
		os.Exit(1)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			fmt.Printf("Error: decode %s response: %v\n", path, err)
			os.Exit(1)
		}
	}
}
