// Command loadtest exercises the relay's pairing round-trip at scale: each
// simulated browser opens a channel, requests a pairing id, redeems it over
// HTTP like a mini-app would, and measures the time until the credential
// arrives back on the channel.
package main

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/bizzapp/relay/pkg/client"
)

// Stats tracks round-trip performance across all simulated clients.
type Stats struct {
	pairingsCompleted atomic.Int64
	pairingsFailed    atomic.Int64
	totalRoundTripUs  atomic.Int64
	connectionErrors  atomic.Int64
	successfulClients atomic.Int64

	// Failure breakdown
	pairingFailed     atomic.Int64
	redeemFailed      atomic.Int64
	credentialTimeout atomic.Int64
	subscribeFailed   atomic.Int64
}

func (s *Stats) recordSuccess(roundTripUs int64) {
	s.pairingsCompleted.Add(1)
	s.totalRoundTripUs.Add(roundTripUs)
}

func (s *Stats) recordFailure() {
	s.pairingsFailed.Add(1)
}

func (s *Stats) snapshot() (completed, failed, connErrors int64, avgRoundTripUs float64) {
	completed = s.pairingsCompleted.Load()
	failed = s.pairingsFailed.Load()
	connErrors = s.connectionErrors.Load()
	if completed > 0 {
		avgRoundTripUs = float64(s.totalRoundTripUs.Load()) / float64(completed)
	}
	return
}

// getCPULoad returns the 1-minute load average (Linux only).
func getCPULoad() float64 {
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0
	}
	var load1, load5, load15 float64
	fmt.Sscanf(string(data), "%f %f %f", &load1, &load5, &load15)
	return load1
}

// signInitData produces init data signed with the bot token, the same
// construction the mini-app's platform performs. The loadtest must target a
// relay configured with the same token.
func signInitData(botToken string, telegramID int64) string {
	userJSON := fmt.Sprintf(`{"id":%d,"first_name":"Load","username":"load_%d"}`, telegramID, telegramID)
	fields := map[string]string{
		"auth_date": fmt.Sprintf("%d", time.Now().Unix()),
		"user":      userJSON,
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, k+"="+fields[k])
	}

	secretMac := hmac.New(sha256.New, []byte("WebAppData"))
	secretMac.Write([]byte(botToken))
	mac := hmac.New(sha256.New, secretMac.Sum(nil))
	mac.Write([]byte(strings.Join(lines, "\n")))

	values := url.Values{}
	for k, v := range fields {
		values.Set(k, v)
	}
	values.Set("hash", hex.EncodeToString(mac.Sum(nil)))
	return values.Encode()
}

// BrowserClient simulates one browser tab holding a channel open, plus the
// phone that scans its QR code.
type BrowserClient struct {
	id         int
	telegramID int64
	serverAddr string
	botToken   string
	conn       *client.Connection
	httpClient *http.Client
	stats      *Stats
}

func NewBrowserClient(id int, serverAddr, botToken string, stats *Stats) *BrowserClient {
	return &BrowserClient{
		id:         id,
		telegramID: 1_000_000 + int64(id),
		serverAddr: serverAddr,
		botToken:   botToken,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		stats:      stats,
	}
}

func (bc *BrowserClient) Connect() error {
	conn := client.NewConnection(bc.serverAddr)
	if err := conn.Connect(); err != nil {
		return err
	}
	bc.conn = conn
	return nil
}

func (bc *BrowserClient) Close() {
	if bc.conn != nil {
		bc.conn.Close()
	}
}

// PairOnce runs one complete pairing round-trip and returns its latency.
func (bc *BrowserClient) PairOnce() (time.Duration, error) {
	start := time.Now()

	pairingID, err := bc.conn.RequestPairing(5 * time.Second)
	if err != nil {
		bc.stats.pairingFailed.Add(1)
		return 0, err
	}

	if err := bc.redeem(pairingID); err != nil {
		bc.stats.redeemFailed.Add(1)
		return 0, fmt.Errorf("redeem: %w", err)
	}

	tokens, err := bc.conn.AwaitCredential(5 * time.Second)
	if err != nil {
		bc.stats.credentialTimeout.Add(1)
		return 0, err
	}

	// Bind the channel like a real client would after login.
	if err := bc.conn.Subscribe(tokens.AccessToken); err != nil {
		bc.stats.subscribeFailed.Add(1)
		return 0, fmt.Errorf("subscribe: %w", err)
	}

	return time.Since(start), nil
}

// redeem plays the mini-app half: present the pairing id with a signed
// identity assertion.
func (bc *BrowserClient) redeem(pairingID string) error {
	body, err := json.Marshal(map[string]string{
		"connectionId": pairingID,
		"telegramAuth": signInitData(bc.botToken, bc.telegramID),
	})
	if err != nil {
		return err
	}

	resp, err := bc.httpClient.Post(
		fmt.Sprintf("http://%s/auth/login/telegram", bc.serverAddr),
		"application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("redemption returned %d", resp.StatusCode)
	}
	return nil
}

// Run repeats pairing round-trips with random pauses until the deadline.
// Each round-trip uses a fresh channel, the way every new browser tab does:
// a channel that completed a pairing stays bound to its user.
func (bc *BrowserClient) Run(duration, minDelay, maxDelay time.Duration) {
	deadline := time.Now().Add(duration)

	for time.Now().Before(deadline) {
		rtt, err := bc.PairOnce()
		if err != nil {
			bc.stats.recordFailure()
		} else {
			bc.stats.recordSuccess(rtt.Microseconds())
		}

		bc.Close()
		if err := bc.Connect(); err != nil {
			bc.stats.connectionErrors.Add(1)
			return
		}

		delay := minDelay + time.Duration(rand.Int63n(int64(maxDelay-minDelay)+1))
		time.Sleep(delay)
	}
}

func main() {
	serverAddr := flag.String("server", "localhost:8080", "Relay address (host:port)")
	botToken := flag.String("bot-token", "", "Bot token the relay is configured with (required)")
	numClients := flag.Int("clients", 10, "Number of concurrent simulated browsers")
	duration := flag.Duration("duration", 1*time.Minute, "Test duration")
	minDelay := flag.Duration("min-delay", 100*time.Millisecond, "Minimum delay between pairings")
	maxDelay := flag.Duration("max-delay", 1*time.Second, "Maximum delay between pairings")
	flag.Parse()

	if *botToken == "" {
		fmt.Fprintln(os.Stderr, "-bot-token is required: redemptions must be signed with the relay's configured token")
		os.Exit(1)
	}

	// Ramp up over 25% of the test duration.
	rampUpDuration := *duration / 4
	staggerDelay := rampUpDuration / time.Duration(*numClients)
	if staggerDelay < 1*time.Millisecond {
		staggerDelay = 1 * time.Millisecond
	}

	log.Printf("Starting pairing load test:")
	log.Printf("  Server: %s", *serverAddr)
	log.Printf("  Clients: %d", *numClients)
	log.Printf("  Duration: %v", *duration)
	log.Printf("  Ramp-up: %v (%v per client)", rampUpDuration, staggerDelay)
	log.Printf("  Delay: %v - %v", *minDelay, *maxDelay)
	log.Printf("")

	stats := &Stats{}
	var wg sync.WaitGroup

	stopStats := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		startTime := time.Now()
		for {
			select {
			case <-ticker.C:
				completed, failed, connErrors, avgUs := stats.snapshot()
				elapsed := time.Since(startTime).Seconds()
				rate := float64(completed) / elapsed
				log.Printf("Stats: %d pairings (%.1f/s), %d failed, %d conn errors, avg round-trip %.2fms, load %.2f, goroutines %d",
					completed, rate, failed, connErrors, avgUs/1000.0, getCPULoad(), runtime.NumGoroutine())
			case <-stopStats:
				return
			}
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Printf("Shutdown signal received, stopping test...")
		close(stopStats)
		os.Exit(130)
	}()

	for i := 0; i < *numClients; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()

			bc := NewBrowserClient(id, *serverAddr, *botToken, stats)
			if err := bc.Connect(); err != nil {
				stats.connectionErrors.Add(1)
				return
			}
			defer bc.Close()

			stats.successfulClients.Add(1)
			if id%100 == 0 {
				log.Printf("[Browser %d] Connected", id)
			}

			bc.Run(*duration, *minDelay, *maxDelay)
		}(i)

		time.Sleep(staggerDelay)
	}

	wg.Wait()

	completed, failed, connErrors, avgUs := stats.snapshot()
	log.Printf("")
	log.Printf("Load test complete:")
	log.Printf("  Clients connected: %d/%d", stats.successfulClients.Load(), *numClients)
	log.Printf("  Pairings completed: %d", completed)
	log.Printf("  Pairings failed: %d (pairing %d, redeem %d, credential %d, subscribe %d)",
		failed, stats.pairingFailed.Load(), stats.redeemFailed.Load(),
		stats.credentialTimeout.Load(), stats.subscribeFailed.Load())
	log.Printf("  Connection errors: %d", connErrors)
	if completed > 0 {
		log.Printf("  Avg round-trip: %.2fms", avgUs/1000.0)
	}
}
