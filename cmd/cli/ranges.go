package cli

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/anstrom/discoverer/internal/discovery"
	"github.com/anstrom/discoverer/internal/iprange"
)

const defaultListLimit = 256

var rangesCmd = &cobra.Command{
	Use:   "ranges <range>[,<range>...]",
	Short: "Show the size of IP ranges",
	Long: `Parse a comma separated list of IP ranges the way discovery rules do and
show the number of addresses in every segment and in their union. Segments
may use per-group dash ranges (10.0.0.1-254) or a CIDR mask (10.0.1.0/24).
Segments above the discovery limit of 65536 addresses are flagged and the
union is not counted.`,
	Example: `  discoverer ranges 192.168.1.1-20,192.168.1.10-30
  discoverer ranges 10.0.0.0/29 --list`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		list, _ := cmd.Flags().GetBool("list")
		limit, _ := cmd.Flags().GetInt("limit")
		return showRanges(cmd.OutOrStdout(), strings.Join(args, ","), list, limit)
	},
}

func init() {
	rootCmd.AddCommand(rangesCmd)

	rangesCmd.Flags().Bool("list", false, "list the distinct addresses")
	rangesCmd.Flags().Int("limit", defaultListLimit, "maximum number of addresses to list (0 = all)")
}

// parseRanges parses every comma separated segment of text.
func parseRanges(text string) ([]iprange.Range, error) {
	var ranges []iprange.Range
	for _, segment := range strings.Split(text, ",") {
		segment = strings.TrimSpace(segment)
		if segment == "" {
			continue
		}
		r, err := iprange.Parse(segment)
		if err != nil {
			return nil, fmt.Errorf("invalid range %q: %w", segment, err)
		}
		ranges = append(ranges, r)
	}
	if len(ranges) == 0 {
		return nil, fmt.Errorf("no range given")
	}
	return ranges, nil
}

func showRanges(w io.Writer, text string, list bool, limit int) error {
	ranges, err := parseRanges(text)
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(w)
	table.Header("Range", "Family", "Addresses")
	oversized := 0
	for _, r := range ranges {
		volume := strconv.FormatUint(r.Volume(), 10)
		if r.Volume() > discovery.MaxRangeVolume {
			volume += " (too large)"
			oversized++
		}
		_ = table.Append([]string{r.String(), r.Family.String(), volume})
	}
	_ = table.Render()

	if oversized > 0 {
		fmt.Fprintf(w, "Distinct addresses: not counted, %d ranges above %d addresses\n",
			oversized, discovery.MaxRangeVolume)
		if list {
			return fmt.Errorf("cannot list ranges above %d addresses", discovery.MaxRangeVolume)
		}
		return nil
	}

	unique := iprange.CountUnique(ranges)
	fmt.Fprintf(w, "Distinct addresses: %d\n", unique)

	if !list {
		return nil
	}

	cursor := iprange.NewCursor()
	for n := 0; iprange.UniqueNext(ranges, &cursor); n++ {
		if limit > 0 && n == limit {
			fmt.Fprintf(w, "... %d more\n", unique-uint64(limit))
			break
		}
		fmt.Fprintln(w, cursor.Address.String())
	}
	return nil
}
