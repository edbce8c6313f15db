package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const basePath = "/api/v1/addresses"

// addressInfo mirrors an address as returned by the read endpoints.
type addressInfo struct {
	UUID           string         `json:"uuid" yaml:"uuid"`
	Street         string         `json:"street" yaml:"street"`
	City           string         `json:"city" yaml:"city"`
	PostalCode     string         `json:"postalCode" yaml:"postalCode"`
	Country        string         `json:"country" yaml:"country"`
	Attributes     map[string]any `json:"attributes,omitempty" yaml:"attributes,omitempty"`
	TransactedAt   time.Time      `json:"transactedAt" yaml:"transactedAt"`
	EffectiveSince time.Time      `json:"effectiveSince" yaml:"effectiveSince"`
	EffectiveUntil *time.Time     `json:"effectiveUntil,omitempty" yaml:"effectiveUntil,omitempty"`
}

// snapshotInfo mirrors a snapshot as returned by the write and snapshots
// endpoints.
type snapshotInfo struct {
	ID               string `json:"id" yaml:"id"`
	Kind             string `json:"kind" yaml:"kind"`
	UUID             string `json:"uuid" yaml:"uuid"`
	TransactionStart string `json:"transactionStart" yaml:"transactionStart"`
	TransactionStop  string `json:"transactionStop,omitempty" yaml:"transactionStop,omitempty"`
	Current          bool   `json:"current" yaml:"current"`
}

// versionInfo mirrors a stored version.
type versionInfo struct {
	ID             string         `json:"id" yaml:"id"`
	UUID           string         `json:"uuid" yaml:"uuid"`
	EffectiveStart time.Time      `json:"effectiveStart" yaml:"effectiveStart"`
	EffectiveStop  time.Time      `json:"effectiveStop" yaml:"effectiveStop"`
	Street         string         `json:"street" yaml:"street"`
	City           string         `json:"city" yaml:"city"`
	PostalCode     string         `json:"postalCode" yaml:"postalCode"`
	Country        string         `json:"country" yaml:"country"`
	Attributes     map[string]any `json:"attributes,omitempty" yaml:"attributes,omitempty"`
}

type listResponse[T any] struct {
	Items []T `json:"items" yaml:"items"`
	Size  int `json:"size" yaml:"size"`
}

// addressFields is the writable payload shared by put and bootstrap.
type addressFields struct {
	EffectiveStart string         `json:"effectiveStart" yaml:"effectiveStart"`
	EffectiveStop  string         `json:"effectiveStop,omitempty" yaml:"effectiveStop,omitempty"`
	Street         string         `json:"street" yaml:"street"`
	City           string         `json:"city" yaml:"city"`
	PostalCode     string         `json:"postalCode" yaml:"postalCode"`
	Country        string         `json:"country" yaml:"country"`
	Attributes     map[string]any `json:"attributes,omitempty" yaml:"attributes,omitempty"`
}

// timeFlags are the query times shared by the read commands.
type timeFlags struct {
	transactionTime string
	effectiveTime   string
}

func (f *timeFlags) register(cmd *cobra.Command, transaction, effective bool) {
	if transaction {
		cmd.Flags().StringVar(&f.transactionTime, "transaction-time", "", "Transaction time (RFC 3339 or YYYY-MM-DD); default now")
	}
	if effective {
		cmd.Flags().StringVar(&f.effectiveTime, "effective-time", "", "Effective time (RFC 3339 or YYYY-MM-DD); default now")
	}
}

func (f *timeFlags) values() url.Values {
	q := url.Values{}
	if f.transactionTime != "" {
		q.Set("transactionTime", f.transactionTime)
	}
	if f.effectiveTime != "" {
		q.Set("effectiveTime", f.effectiveTime)
	}
	return q
}

func withQuery(path string, q url.Values) string {
	if len(q) == 0 {
		return path
	}
	return path + "?" + q.Encode()
}

func entityPath(id string, parts ...string) string {
	p := basePath + "/" + url.PathEscape(id)
	for _, part := range parts {
		p += "/" + part
	}
	return p
}

func addressRows(items []addressInfo) [][]string {
	rows := make([][]string, 0, len(items))
	for _, a := range items {
		rows = append(rows, []string{
			a.UUID,
			a.Street,
			a.City,
			a.PostalCode,
			a.Country,
			formatTime(a.EffectiveSince),
			formatUntil(a.EffectiveUntil),
			formatTime(a.TransactedAt),
		})
	}
	return rows
}

var addressHeaders = []string{"UUID", "Street", "City", "Postal Code", "Country", "Since", "Until", "Transacted"}

func printAddresses(cmd *cobra.Command, resp listResponse[addressInfo]) error {
	format, err := parseOutputFormat(outputFlag)
	if err != nil {
		return err
	}
	return printOutput(cmd.OutOrStdout(), format, resp, addressHeaders, addressRows(resp.Items))
}

func printSnapshot(cmd *cobra.Command, s snapshotInfo) error {
	return printSnapshots(cmd, s, []snapshotInfo{s})
}

func printSnapshots(cmd *cobra.Command, data any, items []snapshotInfo) error {
	format, err := parseOutputFormat(outputFlag)
	if err != nil {
		return err
	}
	rows := make([][]string, 0, len(items))
	for _, s := range items {
		stop := s.TransactionStop
		if s.Current {
			stop = "-"
		}
		rows = append(rows, []string{s.ID, s.UUID, s.TransactionStart, stop})
	}
	return printOutput(cmd.OutOrStdout(), format, data, []string{"Snapshot", "UUID", "Transaction Start", "Transaction Stop"}, rows)
}

func newGetCmd() *cobra.Command {
	var times timeFlags
	cmd := &cobra.Command{
		Use:   "get <uuid>",
		Short: "Show an address at a transaction and effective time",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var a addressInfo
			if err := globalClient.getJSON(withQuery(entityPath(args[0]), times.values()), &a); err != nil {
				return err
			}
			format, err := parseOutputFormat(outputFlag)
			if err != nil {
				return err
			}
			return printOutput(cmd.OutOrStdout(), format, a, addressHeaders, addressRows([]addressInfo{a}))
		},
	}
	times.register(cmd, true, true)
	return cmd
}

func newTimelineCmd() *cobra.Command {
	var times timeFlags
	cmd := &cobra.Command{
		Use:   "timeline <uuid>",
		Short: "Show the effective timeline of an address as known at a transaction time",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp listResponse[addressInfo]
			if err := globalClient.getJSON(withQuery(entityPath(args[0], "timeline"), times.values()), &resp); err != nil {
				return err
			}
			return printAddresses(cmd, resp)
		},
	}
	times.register(cmd, true, false)
	return cmd
}

func newHistoryCmd() *cobra.Command {
	var times timeFlags
	cmd := &cobra.Command{
		Use:   "history <uuid>",
		Short: "Show how the address at an effective time was recorded over transaction time",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp listResponse[addressInfo]
			if err := globalClient.getJSON(withQuery(entityPath(args[0], "history"), times.values()), &resp); err != nil {
				return err
			}
			return printAddresses(cmd, resp)
		},
	}
	times.register(cmd, false, true)
	return cmd
}

func newQueryCmd() *cobra.Command {
	var (
		times  timeFlags
		filter string
	)
	cmd := &cobra.Command{
		Use:   "query",
		Short: "List addresses matching a filter",
		Long: `List every address matching a filter at a transaction and effective time.

Filters compare address columns, for example:
  city = "Springfield" AND NOT postal_code LIKE "9%"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := times.values()
			if filter != "" {
				q.Set("filter", filter)
			}
			var resp listResponse[addressInfo]
			if err := globalClient.getJSON(withQuery(basePath, q), &resp); err != nil {
				return err
			}
			return printAddresses(cmd, resp)
		},
	}
	times.register(cmd, true, true)
	cmd.Flags().StringVar(&filter, "filter", "", "Filter expression over address columns")
	return cmd
}

func newSnapshotsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "snapshots <uuid>",
		Short: "List every snapshot of an address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp listResponse[snapshotInfo]
			if err := globalClient.getJSON(entityPath(args[0], "snapshots"), &resp); err != nil {
				return err
			}
			return printSnapshots(cmd, resp, resp.Items)
		},
	}
}

func newVersionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "versions <snapshot-id>",
		Short: "List the versions of a snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp listResponse[versionInfo]
			if err := globalClient.getJSON(basePath+"/snapshots/"+url.PathEscape(args[0])+"/versions", &resp); err != nil {
				return err
			}
			format, err := parseOutputFormat(outputFlag)
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(resp.Items))
			for _, v := range resp.Items {
				rows = append(rows, []string{v.ID, formatTime(v.EffectiveStart), formatTime(v.EffectiveStop), v.Street, v.City})
			}
			return printOutput(cmd.OutOrStdout(), format, resp, []string{"Version", "Start", "Stop", "Street", "City"}, rows)
		},
	}
}

func newPutCmd() *cobra.Command {
	var in addressFields
	cmd := &cobra.Command{
		Use:   "put [uuid]",
		Short: "Record an address over an effective range",
		Long: `Record an address over [--from, --to). Versions outside the range are
kept; versions overlapping it are cut or replaced. A new uuid is generated
when none is given.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := uuid.NewString()
			if len(args) == 1 {
				id = args[0]
			}
			payload, err := json.Marshal(in)
			if err != nil {
				return err
			}
			body, _, err := globalClient.doRequest(http.MethodPut, entityPath(id, "versions"), bytes.NewReader(payload))
			if err != nil {
				return err
			}
			var s snapshotInfo
			if err := json.Unmarshal(body, &s); err != nil {
				return fmt.Errorf("parsing response: %w", err)
			}
			return printSnapshot(cmd, s)
		},
	}
	cmd.Flags().StringVar(&in.EffectiveStart, "from", "", "Start of the effective range (required)")
	cmd.Flags().StringVar(&in.EffectiveStop, "to", "", "End of the effective range; default open-ended")
	cmd.Flags().StringVar(&in.Street, "street", "", "Street")
	cmd.Flags().StringVar(&in.City, "city", "", "City")
	cmd.Flags().StringVar(&in.PostalCode, "postal-code", "", "Postal code")
	cmd.Flags().StringVar(&in.Country, "country", "", "Country")
	_ = cmd.MarkFlagRequired("from")
	return cmd
}

func newDeleteCmd() *cobra.Command {
	var from, to string
	cmd := &cobra.Command{
		Use:   "delete <uuid>",
		Short: "Remove an address over an effective range",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{"effectiveStart": {from}}
			if to != "" {
				q.Set("effectiveStop", to)
			}
			body, status, err := globalClient.doRequest(http.MethodDelete, withQuery(entityPath(args[0], "versions"), q), nil)
			if err != nil {
				return err
			}
			if status == http.StatusNoContent {
				fmt.Fprintf(cmd.OutOrStdout(), "address %s has no history; nothing deleted\n", args[0])
				return nil
			}
			var s snapshotInfo
			if err := json.Unmarshal(body, &s); err != nil {
				return fmt.Errorf("parsing response: %w", err)
			}
			return printSnapshot(cmd, s)
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "Start of the effective range (required)")
	cmd.Flags().StringVar(&to, "to", "", "End of the effective range; default open-ended")
	_ = cmd.MarkFlagRequired("from")
	return cmd
}

func newBootstrapCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "bootstrap <uuid>",
		Short: "Import the existing history of a new address from a YAML or JSON file",
		Long: `Import the existing history of a new address. The file holds a list of
versions, for example:

  versions:
    - effectiveStart: "2018-01-01"
      effectiveStop: "2019-01-01"
      street: Old Rd 5
    - effectiveStart: "2019-01-01"
      street: New Ave 9`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("reading %s: %w", file, err)
			}
			var req struct {
				Versions []addressFields `json:"versions" yaml:"versions"`
			}
			// YAML is a superset of JSON.
			if err := yaml.Unmarshal(data, &req); err != nil {
				return fmt.Errorf("parsing %s: %w", file, err)
			}
			payload, err := json.Marshal(req)
			if err != nil {
				return err
			}
			body, _, err := globalClient.doRequest(http.MethodPost, entityPath(args[0], "bootstrap"), bytes.NewReader(payload))
			if err != nil {
				return err
			}
			var s snapshotInfo
			if err := json.Unmarshal(body, &s); err != nil {
				return fmt.Errorf("parsing response: %w", err)
			}
			return printSnapshot(cmd, s)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "Versions file (required)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}
