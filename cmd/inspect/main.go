// Command inspect dumps the raw pebble key space of a chatrelay store
// directory. Useful when debugging directory or log state offline; the
// server must not hold the DB open at the same time.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/cockroachdb/pebble"
)

func main() {
	var path, prefix string
	var values bool
	flag.StringVar(&path, "path", "", "pebble store dir (e.g. ./.database/store)")
	flag.StringVar(&prefix, "prefix", "", "key prefix filter (user: cred: room: conv: dir:change:)")
	flag.BoolVar(&values, "values", false, "print values alongside keys")
	flag.Parse()
	if path == "" {
		fmt.Fprintln(os.Stderr, "--path required")
		os.Exit(2)
	}

	db, err := pebble.Open(path, &pebble.Options{ReadOnly: true})
	if err != nil {
		fmt.Fprintf(os.Stderr, "open %s: %v\n", path, err)
		os.Exit(1)
	}
	defer db.Close()

	iter, err := db.NewIter(nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "iter: %v\n", err)
		os.Exit(1)
	}
	defer iter.Close()

	n := 0
	for iter.First(); iter.Valid(); iter.Next() {
		k := string(iter.Key())
		if prefix != "" && !strings.HasPrefix(k, prefix) {
			continue
		}
		if values {
			fmt.Printf("%s\t%s\n", k, iter.Value())
		} else {
			fmt.Println(k)
		}
		n++
	}
	if err := iter.Error(); err != nil {
		fmt.Fprintf(os.Stderr, "scan: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "%d keys\n", n)
}
