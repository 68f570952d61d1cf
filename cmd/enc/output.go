package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/org/enc/pkg/models"
)

var (
	outputFormat string // "table", "json", "raw"
	outputField  string // for --field=key
)

// printResult outputs a server result in the chosen format.
func printResult(res *models.Result) {
	switch outputFormat {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(res) //nolint:errcheck
	case "raw":
		if outputField != "" {
			if v, ok := res.Data[outputField]; ok {
				fmt.Println(v)
			}
			return
		}
		fmt.Println(res.Message)
	default: // table
		if res.Message != "" {
			fmt.Println(res.Message)
		}
		if res.MountPoint != "" {
			fmt.Printf("Mount point: %s\n", res.MountPoint)
		}
		printTable(res.Data)
	}
}

func printTable(data map[string]any) {
	if len(data) == 0 {
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	for _, k := range sortedKeys(data) {
		switch val := data[k].(type) {
		case map[string]any:
			fmt.Fprintf(w, "%s\t\n", strings.ToUpper(k))
			for _, kk := range sortedKeys(val) {
				fmt.Fprintf(w, "  %s\t%v\n", kk, compact(val[kk]))
			}
		case []any:
			fmt.Fprintf(w, "%s\t\n", strings.ToUpper(k))
			for _, item := range val {
				fmt.Fprintf(w, "  %s\n", compact(item))
			}
		default:
			fmt.Fprintf(w, "%s\t%v\n", k, val)
		}
	}
	w.Flush()
}

// compact renders nested values on one line.
func compact(v any) string {
	switch v.(type) {
	case map[string]any, []any:
		data, err := json.Marshal(v)
		if err == nil {
			return string(data)
		}
	}
	return fmt.Sprintf("%v", v)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func printError(msg string) {
	fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
}

func printSuccess(msg string) {
	fmt.Println(msg)
}
