// Package papersources provides the per-platform gateways that platform
// adapters use to reach upstream academic APIs.
//
// A Gateway owns the resilience stack of one platform: a token bucket
// limiter, a retry policy, a response cache, an optional mirror registry and
// a reference to the shared daily quota ledger. Adapters supply a single
// attempt as a function of the base URL and never see retries or mirrors.
//
// Example usage:
//
//	gw, _ := registry.Get("openalex")
//	works, err := papersources.Execute(ctx, gw, papersources.Request{
//		Operation: "search",
//		Query:     "CRISPR gene editing",
//		Options:   map[string]any{"per_page": 25},
//	}, func(ctx context.Context, baseURL string) (*openalexWorks, error) {
//		var out openalexWorks
//		err := gw.Client().GetJSON(ctx, "search", baseURL+"/works?search=crispr", &out)
//		return &out, err
//	})
package papersources
