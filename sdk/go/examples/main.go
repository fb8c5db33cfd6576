package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"Vincent/sdk/go/vincent"
)

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/abilities/erc20-transfer/precheck", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(vincent.InvocationResult{
			InvocationID: "inv-demo",
			Success:      true,
			Result:       map[string]any{"addressValid": true, "amountValid": true},
			Context: &vincent.ResultContext{PoliciesContext: &vincent.PoliciesContext{
				Allow:             true,
				EvaluatedPolicies: []string{"QmVincentPolicySendCounterLimitV1"},
			}},
		})
	})
	mux.HandleFunc("/api/v1/abilities/erc20-transfer/execute", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(vincent.InvocationResult{
			InvocationID: "inv-demo",
			Success:      true,
			Result:       map[string]any{"txHash": "0x51a3..."},
			Context: &vincent.ResultContext{PoliciesContext: &vincent.PoliciesContext{
				Allow:             true,
				EvaluatedPolicies: []string{"QmVincentPolicySendCounterLimitV1"},
			}},
		})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := vincent.NewClient(srv.URL, srv.Client())
	if err != nil {
		panic(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req := vincent.Request{
		Delegatee: "0x1111111111111111111111111111111111111111",
		Delegator: "0x2222222222222222222222222222222222222222",
		Params: map[string]string{
			"to":           "0x3333333333333333333333333333333333333333",
			"amount":       "1.5",
			"tokenAddress": "0x4444444444444444444444444444444444444444",
		},
	}

	precheck, err := client.Precheck(ctx, "erc20-transfer", req)
	if err != nil {
		panic(err)
	}
	fmt.Printf("precheck %s allow=%v\n", precheck.InvocationID, precheck.Context.PoliciesContext.Allow)

	result, err := client.Execute(ctx, "erc20-transfer", req)
	if err != nil {
		panic(err)
	}
	fmt.Printf("executed %s result=%v\n", result.InvocationID, result.Result)
}
