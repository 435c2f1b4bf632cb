//go:build linux

package main

import (
	"fmt"
	"strings"
	"time"
)

// Echo round-trip buckets. The loopback engine settles most completions in
// well under a millisecond, so the scale is weighted toward the low end;
// the last slot catches everything beyond the largest bound.
var rttBounds = [...]time.Duration{
	50 * time.Microsecond,
	100 * time.Microsecond,
	250 * time.Microsecond,
	500 * time.Microsecond,
	1 * time.Millisecond,
	5 * time.Millisecond,
	25 * time.Millisecond,
	100 * time.Millisecond,
}

// result is one client's tally. Each client records into its own result
// without synchronization; the fleet's results are merged after the last
// client drains.
type result struct {
	connectTime time.Duration
	messages    int
	bytes       int
	failed      bool

	rttSum time.Duration
	rttMin time.Duration
	rttMax time.Duration
	rtts   [len(rttBounds) + 1]int
}

// record files one echo round trip of n bytes under its latency bucket.
func (r *result) record(rtt time.Duration, n int) {
	r.messages++
	r.bytes += n
	r.rttSum += rtt
	if r.rttMin == 0 || rtt < r.rttMin {
		r.rttMin = rtt
	}
	if rtt > r.rttMax {
		r.rttMax = rtt
	}
	i := 0
	for i < len(rttBounds) && rtt > rttBounds[i] {
		i++
	}
	r.rtts[i]++
}

// merge folds other into r.
func (r *result) merge(other *result) {
	r.messages += other.messages
	r.bytes += other.bytes
	r.rttSum += other.rttSum
	if other.rttMin != 0 && (r.rttMin == 0 || other.rttMin < r.rttMin) {
		r.rttMin = other.rttMin
	}
	if other.rttMax > r.rttMax {
		r.rttMax = other.rttMax
	}
	for i, n := range other.rtts {
		r.rtts[i] += n
	}
}

// bucketLabel names bucket i as an upper bound.
func bucketLabel(i int) string {
	if i == len(rttBounds) {
		return fmt.Sprintf("  > %v", rttBounds[len(rttBounds)-1])
	}
	return fmt.Sprintf(" <= %v", rttBounds[i])
}

// estimateQuantile walks the cumulative histogram and names the bucket the
// q-quantile lands in. An estimate from bucket bounds is plenty here; the
// point is spotting the tail, not metrology.
func estimateQuantile(rtts *[len(rttBounds) + 1]int, total int, q float64) string {
	if total == 0 {
		return "n/a"
	}
	rank := int(q * float64(total))
	if rank >= total {
		rank = total - 1
	}
	seen := 0
	for i, n := range rtts {
		seen += n
		if seen > rank {
			return strings.TrimSpace(bucketLabel(i))
		}
	}
	return strings.TrimSpace(bucketLabel(len(rttBounds)))
}

// summarize merges the fleet's results and prints the report.
func summarize(results []result, elapsed time.Duration) {
	var all result
	var connectSum, connectMax time.Duration
	connected, failed := 0, 0

	for i := range results {
		r := &results[i]
		if r.failed {
			failed++
		}
		if r.connectTime > 0 {
			connected++
			connectSum += r.connectTime
			if r.connectTime > connectMax {
				connectMax = r.connectTime
			}
		}
		all.merge(r)
	}

	fmt.Printf("\nloadtest: %d clients (%d failed), %d echoes, %s\n",
		len(results), failed, all.messages, elapsed.Round(time.Millisecond))

	if elapsed > 0 {
		perSec := float64(all.messages) / elapsed.Seconds()
		mbPerSec := float64(all.bytes) / elapsed.Seconds() / (1 << 20)
		fmt.Printf("throughput: %.0f echo/s, %.2f MiB/s\n", perSec, mbPerSec)
	}
	if connected > 0 {
		fmt.Printf("connect:    mean %v, max %v\n",
			(connectSum / time.Duration(connected)).Round(time.Microsecond),
			connectMax.Round(time.Microsecond))
	}
	if all.messages == 0 {
		return
	}

	fmt.Printf("echo rtt:   mean %v, min %v, max %v, ~p50 %s, ~p95 %s, ~p99 %s\n",
		(all.rttSum / time.Duration(all.messages)).Round(time.Microsecond),
		all.rttMin.Round(time.Microsecond),
		all.rttMax.Round(time.Microsecond),
		estimateQuantile(&all.rtts, all.messages, 0.50),
		estimateQuantile(&all.rtts, all.messages, 0.95),
		estimateQuantile(&all.rtts, all.messages, 0.99))

	for i, n := range all.rtts {
		if n == 0 {
			continue
		}
		share := float64(n) / float64(all.messages)
		bar := strings.Repeat("#", 1+int(share*40))
		fmt.Printf("%10s  %-42s %d (%.1f%%)\n", bucketLabel(i), bar, n, share*100)
	}
}
