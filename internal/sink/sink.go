// Package sink delivers harvested records to their destination: standard
// output, a directory of XML files or a downstream workflow service.
package sink

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/Togather-Foundation/harvester/internal/oaipmh"
)

// Output names accepted by the harvest command.
const (
	OutputStdout   = "stdout"
	OutputDir      = "dir"
	OutputWorkflow = "workflow"
)

// DefaultRecordsPerFile is the rotation size of the directory sink.
const DefaultRecordsPerFile = 1000

// Document renders records as a ListRecords response so that the result
// can be split again with oaipmh.ExtractRecords.
func Document(records []oaipmh.Record, at time.Time) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n")
	b.WriteString(`<OAI-PMH xmlns="` + oaipmh.OAINamespaceURI + `">` + "\n")
	b.WriteString("<responseDate>" + at.UTC().Format(time.RFC3339) + "</responseDate>\n")
	b.WriteString(`<request verb="ListRecords"/>` + "\n")
	b.WriteString("<ListRecords>\n")
	for _, rec := range records {
		b.WriteString(rec.Raw)
		b.WriteString("\n")
	}
	b.WriteString("</ListRecords>\n</OAI-PMH>\n")
	return b.String()
}

// PrintFilesCreated writes the list of files a harvest produced.
func PrintFilesCreated(w io.Writer, files []string) {
	fmt.Fprintln(w, "-------------------")
	fmt.Fprintf(w, "Harvested %d files\n", len(files))
	fmt.Fprintln(w, "-------------------")
	for _, path := range files {
		fmt.Fprintln(w, path)
	}
}

// PrintTotalRecords writes the number of records a harvest produced.
func PrintTotalRecords(w io.Writer, total int) {
	fmt.Fprintln(w, "------------------------------")
	fmt.Fprintf(w, "Number of records harvested %d\n", total)
	fmt.Fprintln(w, "------------------------------")
}

// chunks splits records into slices of at most n.
func chunks(records []oaipmh.Record, n int) [][]oaipmh.Record {
	if n <= 0 {
		n = len(records)
	}
	var out [][]oaipmh.Record
	for len(records) > 0 {
		end := min(n, len(records))
		out = append(out, records[:end])
		records = records[end:]
	}
	return out
}
