package cmd

import (
	"encoding/json"
	"fmt"
	"io"
)

func outputJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func checkOutputFormat() error {
	switch outputFormat {
	case "table", "json":
		return nil
	default:
		return fmt.Errorf("unknown output format %q: use table or json", outputFormat)
	}
}
