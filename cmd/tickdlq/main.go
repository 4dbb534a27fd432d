// tickdlq prints batches held by a tickpiped dead-letter sink.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/xtxerr/tickpipe/internal/config"
	"github.com/xtxerr/tickpipe/internal/deadletter"
)

func main() {
	cfgPath := flag.String("config", "", "read kind and dir from this config file")
	kind := flag.String("kind", deadletter.KindParquet, "sink kind: parquet or wal")
	dir := flag.String("dir", "deadletter", "dead-letter directory")
	showTicks := flag.Bool("ticks", false, "print every tick of each batch")
	asJSON := flag.Bool("json", false, "print records as JSON lines")
	flag.Parse()

	if *cfgPath != "" {
		cfg, err := config.Load(*cfgPath)
		if err != nil {
			fatalf("load config: %v", err)
		}
		*kind = cfg.DeadLetter.Kind
		*dir = cfg.DeadLetter.Dir
	}

	recs, err := deadletter.ReadAll(*kind, *dir)
	if err != nil {
		fatalf("read %s sink in %s: %v", *kind, *dir, err)
	}

	if *asJSON {
		err = printJSON(os.Stdout, recs)
	} else {
		err = printTable(os.Stdout, recs, *showTicks)
	}
	if err != nil {
		fatalf("write output: %v", err)
	}
}

func printTable(out io.Writer, recs []*deadletter.Record, showTicks bool) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tKEY\tTICKS\tATTEMPTS\tTRIGGER\tDEAD AT\tREASON")
	for _, r := range recs {
		fmt.Fprintf(w, "%d\t%s\t%d\t%d\t%s\t%s\t%s\n",
			r.BatchSeq, r.Key, len(r.Ticks), r.Attempts, r.Trigger,
			r.DeadAt.Format(time.RFC3339), r.Reason)

		if !showTicks {
			continue
		}
		for i := range r.Ticks {
			t := &r.Ticks[i]
			fmt.Fprintf(w, "\t  %s\t%s\tprice=%g size=%g side=%s ooo=%t\t\t\t\n",
				t.Symbol, t.Timestamp.Format(time.RFC3339Nano),
				t.Price, t.Size, t.Side, t.OutOfOrder())
		}
	}
	fmt.Fprintf(w, "\n%d batches\n", len(recs))
	return w.Flush()
}

type jsonTick struct {
	Symbol     string    `json:"symbol"`
	Timestamp  time.Time `json:"ts"`
	ReceivedAt time.Time `json:"received_at"`
	Price      float64   `json:"price"`
	Size       float64   `json:"size"`
	Side       string    `json:"side"`
	OutOfOrder bool      `json:"out_of_order"`
	Seq        *uint64   `json:"seq,omitempty"`
}

type jsonRecord struct {
	BatchSeq  uint64     `json:"batch_seq"`
	Key       string     `json:"key"`
	Reason    string     `json:"reason"`
	Trigger   string     `json:"trigger"`
	Attempts  int        `json:"attempts"`
	CreatedAt time.Time  `json:"created_at"`
	DeadAt    time.Time  `json:"dead_at"`
	Ticks     []jsonTick `json:"ticks"`
}

func printJSON(out io.Writer, recs []*deadletter.Record) error {
	enc := json.NewEncoder(out)
	for _, r := range recs {
		jr := jsonRecord{
			BatchSeq:  r.BatchSeq,
			Key:       r.Key,
			Reason:    r.Reason,
			Trigger:   r.Trigger.String(),
			Attempts:  r.Attempts,
			CreatedAt: r.CreatedAt,
			DeadAt:    r.DeadAt,
			Ticks:     make([]jsonTick, len(r.Ticks)),
		}
		for i := range r.Ticks {
			t := &r.Ticks[i]
			jt := jsonTick{
				Symbol:     t.Symbol,
				Timestamp:  t.Timestamp,
				ReceivedAt: t.ReceivedAt,
				Price:      t.Price,
				Size:       t.Size,
				Side:       t.Side.String(),
				OutOfOrder: t.OutOfOrder(),
			}
			if t.HasSeq() {
				seq := t.Seq
				jt.Seq = &seq
			}
			jr.Ticks[i] = jt
		}
		if err := enc.Encode(jr); err != nil {
			return err
		}
	}
	return nil
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "tickdlq: "+format+"\n", args...)
	os.Exit(1)
}
