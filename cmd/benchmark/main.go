// Benchmark tool for measuring Kestrel against labelled card transactions.
//
// Usage:
//
//	go run ./cmd/benchmark -csv /path/to/creditcard.csv -url http://localhost:8080
//
// The CSV carries Time, V1..V28, Amount and a Class label (1 = fraud). Each
// row is posted to POST /v1/transactions and the verdict's isFraud flag is
// compared with the label.
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const featureCount = 28

// LabelledTransaction is one CSV row.
type LabelledTransaction struct {
	Row      int
	Offset   float64 // seconds since the first transaction in the dataset
	Features []float64
	Amount   float64
	IsFraud  bool
}

// screenRequest mirrors the API's transaction body.
type screenRequest struct {
	ID        string    `json:"id"`
	Amount    float64   `json:"amount"`
	Currency  string    `json:"currency"`
	Features  []float64 `json:"features"`
	Timestamp time.Time `json:"timestamp"`
}

// screenResponse is the subset of the API response the benchmark reads.
type screenResponse struct {
	Screen struct {
		Flagged bool `json:"flagged"`
	} `json:"screen"`
	Verdict struct {
		Score   float64 `json:"score"`
		IsFraud bool    `json:"isFraud"`
		Method  string  `json:"method"`
	} `json:"verdict"`
	Alert *struct {
		Priority string `json:"priority"`
	} `json:"alert"`
}

// Metrics tracks benchmark results.
type Metrics struct {
	TruePositives  atomic.Int64
	FalsePositives atomic.Int64
	TrueNegatives  atomic.Int64
	FalseNegatives atomic.Int64

	TotalProcessed atomic.Int64
	TotalErrors    atomic.Int64
	Flagged        atomic.Int64
	Alerts         atomic.Int64

	ProcessingTimeMs atomic.Int64

	mu      sync.Mutex
	methods map[string]int64
}

func newMetrics() *Metrics {
	return &Metrics{methods: make(map[string]int64)}
}

// Record tallies one verdict against its label.
func (m *Metrics) Record(actual bool, res *screenResponse) {
	predicted := res.Verdict.IsFraud
	switch {
	case predicted && actual:
		m.TruePositives.Add(1)
	case predicted && !actual:
		m.FalsePositives.Add(1)
	case !predicted && !actual:
		m.TrueNegatives.Add(1)
	default:
		m.FalseNegatives.Add(1)
	}
	if res.Screen.Flagged {
		m.Flagged.Add(1)
	}
	if res.Alert != nil {
		m.Alerts.Add(1)
	}

	m.mu.Lock()
	m.methods[res.Verdict.Method]++
	m.mu.Unlock()
}

// Precision, recall and F1 over the recorded verdicts.
func (m *Metrics) Scores() (precision, recall, f1 float64) {
	tp := float64(m.TruePositives.Load())
	fp := float64(m.FalsePositives.Load())
	fn := float64(m.FalseNegatives.Load())
	if tp+fp > 0 {
		precision = tp / (tp + fp)
	}
	if tp+fn > 0 {
		recall = tp / (tp + fn)
	}
	if precision+recall > 0 {
		f1 = 2 * precision * recall / (precision + recall)
	}
	return precision, recall, f1
}

func main() {
	csvPath := flag.String("csv", "", "Path to labelled card transaction CSV")
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	limit := flag.Int("limit", 10000, "Maximum transactions to process (0 = all)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	fraudOnly := flag.Bool("fraud-only", false, "Only send fraud transactions")
	sampleRate := flag.Float64("sample", 1.0, "Sample rate for non-fraud (0.0-1.0)")
	verbose := flag.Bool("verbose", false, "Print each transaction result")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: benchmark -csv /path/to/creditcard.csv [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("KESTREL BENCHMARK - card fraud detection")
	fmt.Printf("\nCSV File:    %s\n", *csvPath)
	fmt.Printf("Kestrel URL: %s\n", *baseURL)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Limit:       %d\n", *limit)
	fmt.Printf("Fraud Only:  %v\n", *fraudOnly)
	fmt.Printf("Sample Rate: %.2f\n", *sampleRate)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Kestrel is running:")
		fmt.Println("  go run ./cmd/kestrel serve")
		os.Exit(1)
	}
	fmt.Println("Kestrel is healthy")

	f, err := os.Open(*csvPath)
	if err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
	transactions, err := readCSV(f, *limit, *fraudOnly, *sampleRate)
	f.Close()
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}

	fraudCount := 0
	for _, tx := range transactions {
		if tx.IsFraud {
			fraudCount++
		}
	}
	fmt.Printf("Loaded %d transactions (%d fraud)\n", len(transactions), fraudCount)

	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	start := time.Now()
	m := runBenchmark(transactions, *baseURL, *workers, *verbose)
	printResults(m, time.Since(start))
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

// readCSV parses the dataset. Rows that fail to parse are skipped.
func readCSV(r io.Reader, limit int, fraudOnly bool, sampleRate float64) ([]LabelledTransaction, error) {
	reader := csv.NewReader(r)

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.ToLower(strings.Trim(name, `" `))] = i
	}
	for _, name := range []string{"time", "amount", "class"} {
		if _, ok := col[name]; !ok {
			return nil, fmt.Errorf("missing column %q", name)
		}
	}

	var out []LabelledTransaction
	sampleCounter := 0
	row := 0

	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		row++
		if err != nil {
			continue
		}

		isFraud := strings.Trim(record[col["class"]], `"`) == "1"
		if fraudOnly && !isFraud {
			continue
		}
		if !isFraud && sampleRate < 1.0 {
			sampleCounter++
			if float64(sampleCounter%100)/100.0 >= sampleRate {
				continue
			}
		}

		tx, ok := parseRow(record, col)
		if !ok {
			continue
		}
		tx.Row = row
		tx.IsFraud = isFraud
		out = append(out, tx)

		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func parseRow(record []string, col map[string]int) (LabelledTransaction, bool) {
	num := func(name string) (float64, bool) {
		i, ok := col[name]
		if !ok || i >= len(record) {
			return 0, false
		}
		v, err := strconv.ParseFloat(strings.Trim(record[i], `"`), 64)
		return v, err == nil
	}

	var tx LabelledTransaction
	var ok bool
	if tx.Offset, ok = num("time"); !ok {
		return tx, false
	}
	if tx.Amount, ok = num("amount"); !ok {
		return tx, false
	}
	tx.Features = make([]float64, featureCount)
	for i := range tx.Features {
		if tx.Features[i], ok = num("v" + strconv.Itoa(i+1)); !ok {
			return tx, false
		}
	}
	return tx, true
}

func runBenchmark(transactions []LabelledTransaction, baseURL string, numWorkers int, verbose bool) *Metrics {
	m := newMetrics()
	epoch := time.Now().UTC().Add(-48 * time.Hour)

	work := make(chan LabelledTransaction, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 30 * time.Second}

			for tx := range work {
				start := time.Now()
				res, err := screen(client, baseURL, epoch, tx)
				m.ProcessingTimeMs.Add(time.Since(start).Milliseconds())
				m.TotalProcessed.Add(1)

				if err != nil {
					m.TotalErrors.Add(1)
					if verbose {
						fmt.Printf("ERROR: row %d -> %v\n", tx.Row, err)
					}
					continue
				}
				m.Record(tx.IsFraud, res)

				if verbose {
					mark := "ok "
					if res.Verdict.IsFraud != tx.IsFraud {
						mark = "MISS"
					}
					fmt.Printf("%s row %-7d | Amount: %10.2f | Fraud: %-5v | Score: %.3f (%s)\n",
						mark, tx.Row, tx.Amount, tx.IsFraud, res.Verdict.Score, res.Verdict.Method)
				}
			}
		}()
	}

	for _, tx := range transactions {
		work <- tx
	}
	close(work)
	wg.Wait()

	return m
}

func screen(client *http.Client, baseURL string, epoch time.Time, tx LabelledTransaction) (*screenResponse, error) {
	body, err := json.Marshal(screenRequest{
		ID:        fmt.Sprintf("bench-%d-%d", epoch.Unix(), tx.Row),
		Amount:    tx.Amount,
		Currency:  "EUR",
		Features:  tx.Features,
		Timestamp: epoch.Add(time.Duration(tx.Offset * float64(time.Second))),
	})
	if err != nil {
		return nil, err
	}

	resp, err := client.Post(baseURL+"/v1/transactions", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var res screenResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, err
	}
	return &res, nil
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\nBENCHMARK RESULTS")

	fmt.Printf("\nDATASET\n")
	fmt.Printf("   Total Processed:  %d\n", m.TotalProcessed.Load())
	fmt.Printf("   Errors:           %d\n", m.TotalErrors.Load())
	fmt.Printf("   Screen Flagged:   %d\n", m.Flagged.Load())
	fmt.Printf("   Alerts Raised:    %d\n", m.Alerts.Load())

	fmt.Printf("\nCONFUSION MATRIX\n")
	fmt.Println("                 predicted fraud   predicted legit")
	fmt.Printf("   fraud        %15d   %15d\n", m.TruePositives.Load(), m.FalseNegatives.Load())
	fmt.Printf("   legit        %15d   %15d\n", m.FalsePositives.Load(), m.TrueNegatives.Load())

	precision, recall, f1 := m.Scores()
	fmt.Printf("\nDETECTION\n")
	fmt.Printf("   Precision:  %.4f\n", precision)
	fmt.Printf("   Recall:     %.4f\n", recall)
	fmt.Printf("   F1-Score:   %.4f\n", f1)

	fmt.Printf("\nANALYSIS METHODS\n")
	m.mu.Lock()
	for method, n := range m.methods {
		fmt.Printf("   %-10s %d\n", method, n)
	}
	m.mu.Unlock()

	fmt.Printf("\nPERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if n := m.TotalProcessed.Load(); n > 0 {
		fmt.Printf("   Avg Latency:      %.2f ms\n", float64(m.ProcessingTimeMs.Load())/float64(n))
		fmt.Printf("   Throughput:       %.2f tx/sec\n", float64(n)/duration.Seconds())
	}
	fmt.Println()
}
