// Command timeslice summarises a profile written by legacypc -profile-out.
package main

import (
	"flag"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/tinyrange/legacypc/internal/timeslice"
)

type kindTotals struct {
	Kind  timeslice.Kind
	Count int
	Sum   time.Duration
	Min   time.Duration
	Max   time.Duration
}

func (r *kindTotals) String() string {
	return fmt.Sprintf("% 12s count=% 8d sum=% 16s min=% 12s max=% 12s avg=% 12s",
		r.Kind, r.Count, r.Sum, r.Min, r.Max, r.Sum/time.Duration(r.Count))
}

func (r *kindTotals) Add(d time.Duration) {
	r.Count++
	r.Sum += d
	if r.Count == 1 || d < r.Min {
		r.Min = d
	}
	if d > r.Max {
		r.Max = d
	}
}

func main() {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	filename := fs.String("filename", "", "Profile file to read")
	sums := fs.Bool("sums", false, "Print per-kind totals instead of every slice")

	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(1)
	}
	if *filename == "" && fs.NArg() > 0 {
		*filename = fs.Arg(0)
	}
	if *filename == "" {
		fs.Usage()
		os.Exit(1)
	}

	f, err := os.Open(*filename)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open profile: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	if !*sums {
		if err := timeslice.ReadAll(f, func(kind timeslice.Kind, d time.Duration) error {
			fmt.Printf("%s %s\n", kind, d)
			return nil
		}); err != nil {
			fmt.Fprintf(os.Stderr, "failed to read profile: %v\n", err)
			os.Exit(1)
		}
		return
	}

	totals := map[timeslice.Kind]*kindTotals{}
	if err := timeslice.ReadAll(f, func(kind timeslice.Kind, d time.Duration) error {
		r, ok := totals[kind]
		if !ok {
			r = &kindTotals{Kind: kind}
			totals[kind] = r
		}
		r.Add(d)
		return nil
	}); err != nil {
		fmt.Fprintf(os.Stderr, "failed to read profile: %v\n", err)
		os.Exit(1)
	}

	rows := make([]*kindTotals, 0, len(totals))
	for _, r := range totals {
		rows = append(rows, r)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Sum > rows[j].Sum })
	for _, r := range rows {
		fmt.Println(r)
	}
}
