package main

import (
	"fmt"
	"io"
	"os"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/thebtf/banquet/internal/menuresults"
)

var (
	parseBookingIDs string
	parseItemIDs    string
	parseURLPattern string
)

var parseCmd = &cobra.Command{
	Use:   "parse [summary-file]",
	Short: "Parse a results summary and print the rows as JSON",
	Long:  "Reads the summary from the file argument, or from stdin when none is given.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var (
			data []byte
			err  error
		)
		if len(args) == 1 {
			data, err = os.ReadFile(args[0])
		} else {
			data, err = io.ReadAll(cmd.InOrStdin())
		}
		if err != nil {
			return fmt.Errorf("read summary: %w", err)
		}

		p := menuresults.Parser{BookingURLPattern: parseURLPattern}
		res := p.Parse(string(data), menuresults.SplitIDs(parseBookingIDs), menuresults.SplitIDs(parseItemIDs))

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			menuresults.Result
			TotalItemsText string `json:"totalItemsText"`
		}{res, menuresults.TotalItemsText(res.Items)})
	},
}

func init() {
	parseCmd.Flags().StringVar(&parseBookingIDs, "booking-ids", "", "Comma-separated booking IDs, one per item")
	parseCmd.Flags().StringVar(&parseItemIDs, "item-ids", "", "Comma-separated event item IDs, one per item")
	parseCmd.Flags().StringVar(&parseURLPattern, "url-pattern", "", "Booking link pattern with one %s")
}
