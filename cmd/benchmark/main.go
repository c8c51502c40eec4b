// Benchmark tool for measuring Clearance against labelled document sets.
//
// Usage:
//
//	go run ./cmd/benchmark -cases /path/to/cases.jsonl -url http://localhost:8080
//	go run ./cmd/benchmark -synthetic 5000
//
// Each case line is {"id": "...", "expectReview": true, "request": {...}} where
// request is a POST /assess body. With -synthetic the tool generates clean
// and tampered filings instead. Clearance's reviewRequired verdict is compared
// with the label to build a confusion matrix, precision, recall and latency.
package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Case is one labelled document set.
type Case struct {
	ID           string          `json:"id"`
	ExpectReview bool            `json:"expectReview"`
	Request      json.RawMessage `json:"request"`
}

// AssessResponse is the part of the POST /assess response the benchmark reads.
type AssessResponse struct {
	ID         string `json:"id"`
	Assessment struct {
		Score          int    `json:"score"`
		Level          string `json:"level"`
		ReviewRequired bool   `json:"reviewRequired"`
	} `json:"assessment"`
}

// Metrics tracks benchmark results
type Metrics struct {
	TruePositives  int64 // Tampered set sent to review
	FalsePositives int64 // Clean set sent to review
	TrueNegatives  int64 // Clean set cleared
	FalseNegatives int64 // Tampered set cleared

	TotalProcessed int64
	TotalFlagged   int64
	TotalClean     int64
	TotalErrors    int64

	ProcessingTimeMs int64
}

func main() {
	casesPath := flag.String("cases", "", "Path to labelled cases (JSON lines)")
	synthetic := flag.Int("synthetic", 0, "Generate this many synthetic cases instead of reading -cases")
	seed := flag.Int64("seed", 1, "Seed for synthetic cases")
	baseURL := flag.String("url", "http://localhost:8080", "Clearance base URL")
	tenantID := flag.String("tenant", "benchmark-test", "Tenant ID for requests")
	limit := flag.Int("limit", 10000, "Maximum cases to process (0 = all)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	verbose := flag.Bool("verbose", false, "Print each case result")
	flag.Parse()

	if *casesPath == "" && *synthetic <= 0 {
		fmt.Println("Usage: benchmark -cases /path/to/cases.jsonl | -synthetic N [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("CLEARANCE BENCHMARK")
	fmt.Printf("\nClearance URL: %s\n", *baseURL)
	fmt.Printf("Tenant ID:     %s\n", *tenantID)
	fmt.Printf("Workers:       %d\n", *workers)
	fmt.Printf("Limit:         %d\n", *limit)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Clearance not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Clearance is running:")
		fmt.Println("  go run ./cmd/clearance")
		os.Exit(1)
	}
	fmt.Println("Clearance is healthy")

	var (
		cases []Case
		err   error
	)
	if *synthetic > 0 {
		cases = syntheticCases(*synthetic, *seed)
	} else {
		cases, err = readCases(*casesPath, *limit)
		if err != nil {
			fmt.Printf("ERROR: Failed to read cases: %v\n", err)
			os.Exit(1)
		}
	}
	if len(cases) == 0 {
		fmt.Println("ERROR: no cases to run")
		os.Exit(1)
	}

	flagged := 0
	for _, c := range cases {
		if c.ExpectReview {
			flagged++
		}
	}
	fmt.Printf("Loaded %d cases\n", len(cases))
	fmt.Printf("  - Expect review: %d (%.2f%%)\n", flagged, 100*float64(flagged)/float64(len(cases)))
	fmt.Printf("  - Expect clear:  %d (%.2f%%)\n", len(cases)-flagged, 100*float64(len(cases)-flagged)/float64(len(cases)))

	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := runBenchmark(cases, *baseURL, *tenantID, *workers, *verbose)
	duration := time.Since(startTime)

	printResults(metrics, duration)
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func readCases(path string, limit int) ([]Case, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var cases []Case
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var c Case
		if err := json.Unmarshal(line, &c); err != nil {
			continue // Skip malformed lines
		}
		cases = append(cases, c)
		if limit > 0 && len(cases) >= limit {
			break
		}
	}
	return cases, scanner.Err()
}

// syntheticCases builds consistent filings and tampers with roughly a third
// of them: inflated invoice totals, swapped shipment IDs, or a missing
// bill of lading.
func syntheticCases(n int, seed int64) []Case {
	rng := rand.New(rand.NewSource(seed))
	cases := make([]Case, 0, n)

	for i := 0; i < n; i++ {
		value := float64(1000 + rng.Intn(200000))
		shipment := fmt.Sprintf("SH-%06d", rng.Intn(1000000))
		docs := map[string]any{
			"invoice":        doc("inv", i, map[string]any{"total_value": value, "currency": "USD", "shipment_id": shipment, "invoice_date": "2024-03-01"}),
			"bill_of_lading": doc("bl", i, map[string]any{"bl_number": shipment, "bl_date": "2024-03-05"}),
			"packing_list":   doc("pl", i, map[string]any{"pl_number": shipment}),
			"declaration":    doc("dec", i, map[string]any{"declared_value": value, "currency": "USD", "shipment_id": shipment, "declaration_date": "2024-03-10"}),
		}

		tampered := rng.Intn(3) == 0
		if tampered {
			switch rng.Intn(3) {
			case 0:
				docs["invoice"] = doc("inv", i, map[string]any{"total_value": value * 1.6, "currency": "USD", "shipment_id": shipment})
			case 1:
				docs["packing_list"] = doc("pl", i, map[string]any{"pl_number": fmt.Sprintf("SH-%06d", rng.Intn(1000000))})
				docs["invoice"] = doc("inv", i, map[string]any{"total_value": value * 1.3, "currency": "USD", "shipment_id": shipment})
			default:
				delete(docs, "bill_of_lading")
				docs["invoice"] = doc("inv", i, map[string]any{"total_value": value * 2, "currency": "EUR", "shipment_id": shipment})
			}
		}

		body, _ := json.Marshal(map[string]any{"procedureId": "import-regular", "documents": docs})
		cases = append(cases, Case{ID: fmt.Sprintf("synthetic-%d", i), ExpectReview: tampered, Request: body})
	}
	return cases
}

func doc(prefix string, i int, fields map[string]any) map[string]any {
	return map[string]any{"docId": fmt.Sprintf("%s-%d", prefix, i), "confidence": 0.95, "fields": fields}
}

func runBenchmark(cases []Case, baseURL, tenantID string, numWorkers int, verbose bool) *Metrics {
	metrics := &Metrics{}

	work := make(chan Case, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for c := range work {
				start := time.Now()
				result, err := assessCase(client, baseURL, tenantID, c)
				elapsed := time.Since(start).Milliseconds()

				atomic.AddInt64(&metrics.ProcessingTimeMs, elapsed)
				atomic.AddInt64(&metrics.TotalProcessed, 1)

				if err != nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: %s -> %v\n", c.ID, err)
					}
					continue
				}

				if c.ExpectReview {
					atomic.AddInt64(&metrics.TotalFlagged, 1)
				} else {
					atomic.AddInt64(&metrics.TotalClean, 1)
				}

				predicted := result.Assessment.ReviewRequired
				actual := c.ExpectReview

				switch {
				case predicted && actual:
					atomic.AddInt64(&metrics.TruePositives, 1)
				case predicted && !actual:
					atomic.AddInt64(&metrics.FalsePositives, 1)
				case !predicted && !actual:
					atomic.AddInt64(&metrics.TrueNegatives, 1)
				default:
					atomic.AddInt64(&metrics.FalseNegatives, 1)
				}

				if verbose {
					status := "ok"
					if predicted != actual {
						status = "MISS"
					}
					fmt.Printf("%-4s %-20s | expect review: %-5v | score: %3d %-8s | review: %v\n",
						status, c.ID, actual, result.Assessment.Score, result.Assessment.Level, predicted)
				}
			}
		}()
	}

	for _, c := range cases {
		work <- c
	}
	close(work)

	wg.Wait()

	return metrics
}

func assessCase(client *http.Client, baseURL, tenantID string, c Case) (*AssessResponse, error) {
	httpReq, err := http.NewRequest(http.MethodPost, baseURL+"/assess", bytes.NewReader(c.Request))
	if err != nil {
		return nil, err
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Tenant-ID", tenantID)

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var result AssessResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}

	return &result, nil
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\nBENCHMARK RESULTS")

	fmt.Printf("\nDATASET\n")
	fmt.Printf("   Total Processed:  %d\n", m.TotalProcessed)
	fmt.Printf("   Expect Review:    %d\n", m.TotalFlagged)
	fmt.Printf("   Expect Clear:     %d\n", m.TotalClean)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)

	fmt.Printf("\nCONFUSION MATRIX\n")
	fmt.Println("                        Predicted")
	fmt.Println("                  REVIEW       CLEAR")
	fmt.Printf("   Actual  R  | %8d | %8d |  (TP, FN)\n", m.TruePositives, m.FalseNegatives)
	fmt.Printf("           C  | %8d | %8d |  (FP, TN)\n", m.FalsePositives, m.TrueNegatives)

	precision := float64(0)
	if m.TruePositives+m.FalsePositives > 0 {
		precision = float64(m.TruePositives) / float64(m.TruePositives+m.FalsePositives)
	}

	recall := float64(0)
	if m.TruePositives+m.FalseNegatives > 0 {
		recall = float64(m.TruePositives) / float64(m.TruePositives+m.FalseNegatives)
	}

	f1 := float64(0)
	if precision+recall > 0 {
		f1 = 2 * (precision * recall) / (precision + recall)
	}

	accuracy := float64(0)
	total := m.TruePositives + m.TrueNegatives + m.FalsePositives + m.FalseNegatives
	if total > 0 {
		accuracy = float64(m.TruePositives+m.TrueNegatives) / float64(total)
	}

	fmt.Printf("\nDETECTION METRICS\n")
	fmt.Printf("   Precision:  %.4f  (of review verdicts, how many were expected)\n", precision)
	fmt.Printf("   Recall:     %.4f  (of expected reviews, how many were raised)\n", recall)
	fmt.Printf("   F1-Score:   %.4f\n", f1)
	fmt.Printf("   Accuracy:   %.4f\n", accuracy)

	fmt.Printf("\nPERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalProcessed > 0 {
		avgMs := float64(m.ProcessingTimeMs) / float64(m.TotalProcessed)
		tps := float64(m.TotalProcessed) / duration.Seconds()
		fmt.Printf("   Avg Latency:      %.2f ms\n", avgMs)
		fmt.Printf("   Throughput:       %.2f assessments/sec\n", tps)
	}

	fmt.Println()
}
