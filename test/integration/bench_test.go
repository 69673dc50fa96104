//go:build integration

package integration

import (
	"bytes"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"testing"
)

func envIs(key, want string) bool {
	return strings.EqualFold(os.Getenv(key), want)
}

// Benchmark for POST /api/products; to run: go test -tags integration -bench=. ./test/integration -run ^$
func BenchmarkCreateProduct(b *testing.B) {
	u := baseURL()
	client := &http.Client{}
	prefix := uniqueCode("bench")
	var n atomic.Int64
	b.ReportAllocs()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			body := []byte(fmt.Sprintf(`{"code":"%s-%d","price":1}`, prefix, n.Add(1)))
			r, _ := http.NewRequest(http.MethodPost, u+"/api/products", bytes.NewBuffer(body))
			r.Header.Set("Content-Type", "application/json")
			resp, err := client.Do(r)
			if err == nil {
				_ = resp.Body.Close()
			}
		}
	})
}
