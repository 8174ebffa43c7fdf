// Benchmark tool for testing Kestrel against labeled feature vectors.
//
// Usage:
//   go run cmd/benchmark/main.go -csv /path/to/vectors.csv -url http://localhost:8080
//   go run cmd/benchmark/main.go -synthetic 5000 -url http://localhost:8080
//
// The CSV must carry one column per schema feature plus an is_fraud label
// column. With -synthetic the tool generates labeled vectors itself and
// needs no file.
//
// This tool:
//   1. Loads labeled feature vectors (CSV or synthetic)
//   2. Sends each vector to Kestrel for scoring
//   3. Compares Kestrel's verdict with the labels
//   4. Calculates precision, recall, F1-score, latency percentiles
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/kestrel/internal/bundle/bundletest"
)

// LabeledVector is one benchmark sample.
type LabeledVector struct {
	Features map[string]float64
	IsFraud  bool
}

// PredictRequest matches the Kestrel API request format.
type PredictRequest struct {
	Features map[string]float64 `json:"features"`
}

// PredictResponse is the subset of the scoring result the benchmark reads.
type PredictResponse struct {
	ID             string  `json:"id"`
	Probability    float64 `json:"calibratedProbability"`
	Fraud          bool    `json:"fraud"`
	Classification string  `json:"classification"`
}

// Metrics tracks benchmark results.
type Metrics struct {
	TruePositives  int64
	FalsePositives int64
	TrueNegatives  int64
	FalseNegatives int64

	TotalProcessed int64
	TotalFraud     int64
	TotalNonFraud  int64
	TotalErrors    int64

	mu        sync.Mutex
	latencies []time.Duration
}

func (m *Metrics) recordLatency(d time.Duration) {
	m.mu.Lock()
	m.latencies = append(m.latencies, d)
	m.mu.Unlock()
}

func main() {
	csvPath := flag.String("csv", "", "Path to labeled feature vector CSV")
	synthetic := flag.Int("synthetic", 0, "Generate N synthetic labeled vectors instead of reading a CSV")
	fraudRate := flag.Float64("fraud-rate", 0.2, "Fraud share for synthetic vectors (0.0-1.0)")
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	tenantID := flag.String("tenant", "benchmark-test", "Tenant ID for requests")
	limit := flag.Int("limit", 10000, "Maximum vectors to process (0 = all)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	verbose := flag.Bool("verbose", false, "Print each vector result")
	flag.Parse()

	if *csvPath == "" && *synthetic == 0 {
		fmt.Println("Usage: benchmark -csv /path/to/vectors.csv [-url http://localhost:8080]")
		fmt.Println("       benchmark -synthetic 5000 [-fraud-rate 0.2]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║          KESTREL BENCHMARK - Fraud Scoring                    ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	if *csvPath != "" {
		fmt.Printf("\nCSV File:    %s\n", *csvPath)
	} else {
		fmt.Printf("\nSynthetic:   %d vectors (fraud rate %.2f)\n", *synthetic, *fraudRate)
	}
	fmt.Printf("Kestrel URL: %s\n", *baseURL)
	fmt.Printf("Tenant ID:   %s\n", *tenantID)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Println()

	// Check Kestrel is running
	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Kestrel is running:")
		fmt.Println("  cd kestrel && go run cmd/kestrel/main.go")
		os.Exit(1)
	}
	fmt.Println("✓ Kestrel is healthy")

	var vectors []LabeledVector
	var err error
	if *csvPath != "" {
		fmt.Printf("\nReading vectors from %s...\n", *csvPath)
		vectors, err = readVectorCSV(*csvPath, *limit)
		if err != nil {
			fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
			os.Exit(1)
		}
	} else {
		vectors = generateVectors(*synthetic, *fraudRate)
	}
	fmt.Printf("✓ Loaded %d vectors\n", len(vectors))

	fraudCount := 0
	for _, v := range vectors {
		if v.IsFraud {
			fraudCount++
		}
	}
	fmt.Printf("  - Fraud:     %d (%.2f%%)\n", fraudCount, 100*float64(fraudCount)/float64(len(vectors)))
	fmt.Printf("  - Non-fraud: %d (%.2f%%)\n", len(vectors)-fraudCount, 100*float64(len(vectors)-fraudCount)/float64(len(vectors)))

	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := runBenchmark(vectors, *baseURL, *tenantID, *workers, *verbose)
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

// generateVectors builds synthetic labeled vectors with the bundled
// feature profiles.
func generateVectors(n int, fraudRate float64) []LabeledVector {
	vectors := make([]LabeledVector, 0, n)
	for i := 0; i < n; i++ {
		isFraud := float64(i%100)/100.0 < fraudRate
		vectors = append(vectors, LabeledVector{
			Features: bundletest.SampleInput(isFraud, int64(i)),
			IsFraud:  isFraud,
		})
	}
	return vectors
}

func readVectorCSV(path string, limit int) ([]LabeledVector, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	labelCol := -1
	for i, col := range header {
		if strings.EqualFold(col, "is_fraud") {
			labelCol = i
		}
	}
	if labelCol < 0 {
		return nil, fmt.Errorf("CSV has no is_fraud column")
	}

	var vectors []LabeledVector
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue // Skip malformed rows
		}

		features := make(map[string]float64, len(header)-1)
		for i, col := range header {
			if i == labelCol {
				continue
			}
			v, err := strconv.ParseFloat(record[i], 64)
			if err != nil {
				continue
			}
			features[col] = v
		}

		vectors = append(vectors, LabeledVector{
			Features: features,
			IsFraud:  record[labelCol] == "1",
		})

		if limit > 0 && len(vectors) >= limit {
			break
		}
	}

	return vectors, nil
}

func runBenchmark(vectors []LabeledVector, baseURL, tenantID string, numWorkers int, verbose bool) *Metrics {
	metrics := &Metrics{}

	work := make(chan LabeledVector, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for v := range work {
				start := time.Now()
				result, err := scoreVector(client, baseURL, tenantID, v)
				elapsed := time.Since(start)

				metrics.recordLatency(elapsed)
				atomic.AddInt64(&metrics.TotalProcessed, 1)

				if err != nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: %v\n", err)
					}
					continue
				}

				if v.IsFraud {
					atomic.AddInt64(&metrics.TotalFraud, 1)
				} else {
					atomic.AddInt64(&metrics.TotalNonFraud, 1)
				}

				predicted := result.Fraud
				actual := v.IsFraud

				if predicted && actual {
					atomic.AddInt64(&metrics.TruePositives, 1)
				} else if predicted && !actual {
					atomic.AddInt64(&metrics.FalsePositives, 1)
				} else if !predicted && !actual {
					atomic.AddInt64(&metrics.TrueNegatives, 1)
				} else { // !predicted && actual
					atomic.AddInt64(&metrics.FalseNegatives, 1)
				}

				if verbose {
					status := "✓"
					if predicted != actual {
						status = "✗"
					}
					fmt.Printf("%s Amount: $%12.2f | Fraud: %-5v | Kestrel: %-10s (%.4f)\n",
						status,
						v.Features["amount"],
						v.IsFraud,
						result.Classification,
						result.Probability,
					)
				}
			}
		}()
	}

	for _, v := range vectors {
		work <- v
	}
	close(work)

	wg.Wait()

	return metrics
}

func scoreVector(client *http.Client, baseURL, tenantID string, v LabeledVector) (*PredictResponse, error) {
	body, err := json.Marshal(PredictRequest{Features: v.Features})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequest(http.MethodPost, baseURL+"/predict", bytes.NewReader(body))
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

	var result PredictResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}

	return &result, nil
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)-1) * p)
	return sorted[idx]
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\n╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                      BENCHMARK RESULTS                        ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")

	fmt.Printf("\n📊 DATASET STATISTICS\n")
	fmt.Printf("   Total Processed:  %d\n", m.TotalProcessed)
	fmt.Printf("   Total Fraud:      %d\n", m.TotalFraud)
	fmt.Printf("   Total Non-Fraud:  %d\n", m.TotalNonFraud)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)

	fmt.Printf("\n📈 CONFUSION MATRIX\n")
	fmt.Println("                        Predicted")
	fmt.Println("                   FRAUD       CLEAR")
	fmt.Println("              ┌──────────┬──────────┐")
	fmt.Printf("   Actual  F  │ %8d │ %8d │  (TP, FN)\n", m.TruePositives, m.FalseNegatives)
	fmt.Println("              ├──────────┼──────────┤")
	fmt.Printf("          NF  │ %8d │ %8d │  (FP, TN)\n", m.FalsePositives, m.TrueNegatives)
	fmt.Println("              └──────────┴──────────┘")

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

	fmt.Printf("\n🎯 DETECTION METRICS\n")
	fmt.Printf("   Precision:  %.4f  (of fraud verdicts, how many were actual fraud)\n", precision)
	fmt.Printf("   Recall:     %.4f  (of fraud, how many did we catch)\n", recall)
	fmt.Printf("   F1-Score:   %.4f  (harmonic mean of precision & recall)\n", f1)
	fmt.Printf("   Accuracy:   %.4f  (overall correct predictions)\n", accuracy)

	fmt.Printf("\n⏱️  PERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalProcessed > 0 {
		tps := float64(m.TotalProcessed) / duration.Seconds()
		fmt.Printf("   Throughput:       %.2f vec/sec\n", tps)
	}

	m.mu.Lock()
	sorted := make([]time.Duration, len(m.latencies))
	copy(sorted, m.latencies)
	m.mu.Unlock()
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	if len(sorted) > 0 {
		fmt.Printf("   Latency p50:      %v\n", percentile(sorted, 0.50).Round(time.Microsecond))
		fmt.Printf("   Latency p95:      %v\n", percentile(sorted, 0.95).Round(time.Microsecond))
		fmt.Printf("   Latency p99:      %v\n", percentile(sorted, 0.99).Round(time.Microsecond))
	}

	fmt.Println()
}
