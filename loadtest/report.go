package main

import (
	"fmt"
	"io"
)

func printReport(w io.Writer, r Report) {
	fmt.Fprintf(w, "\n=== Results ===\n")
	fmt.Fprintf(w, "Users:            %d\n", r.Users)
	fmt.Fprintf(w, "Total Operations: %d\n", r.Operations)
	fmt.Fprintf(w, "Total Time:       %v\n", r.Elapsed)
	fmt.Fprintf(w, "Avg Latency (W):  %v\n", r.MeanLatency)
	fmt.Fprintf(w, "Throughput (λ):   %.2f ops/s\n", r.Throughput)

	// L = λ * W
	fmt.Fprintf(w, "\n=== Little's Law Check ===\n")
	fmt.Fprintf(w, "Actual Concurrency (L): %d\n", r.Users+r.Users/2)
	fmt.Fprintf(w, "Calculated L (λ * W):   %.2f\n", r.Concurrency)
}
