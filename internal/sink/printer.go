package sink

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/cheynewallace/tabby"
	"github.com/logrusorgru/aurora/v4"
	"k8s.io/apimachinery/pkg/api/resource"

	"github.com/devzero-inc/pvcwatch/internal/aggregator"
	"github.com/devzero-inc/pvcwatch/internal/snapshot"
)

// Printer renders the claim table and one console line per outcome
type Printer struct {
	out io.Writer
	au  *aurora.Aurora
}

// NewPrinter creates a Printer writing to out
func NewPrinter(out io.Writer, colors bool) *Printer {
	return &Printer{
		out: out,
		au:  aurora.New(aurora.WithColors(colors)),
	}
}

// PrintSnapshot prints the claims listed at startup
func (p *Printer) PrintSnapshot(snap *snapshot.Snapshot) {
	fmt.Fprintln(p.out, p.au.Bold("----- PVCs ----"))
	if len(snap.Claims) == 0 && len(snap.Rejected) == 0 {
		fmt.Fprintln(p.out, p.au.Yellow("No PVCs found"))
		return
	}

	t := tabby.NewCustom(tabwriter.NewWriter(p.out, 0, 0, 2, ' ', 0))
	t.AddHeader("NAME", "VOLUME", "SIZE")
	for i := range snap.Claims {
		c := &snap.Claims[i]
		t.AddLine(c.ID.Name, c.VolumeName, c.RequestedSize.String())
	}
	for _, r := range snap.Rejected {
		t.AddLine(r.Claim.ID.Name, r.Claim.VolumeName, "<none>")
	}
	t.Print()
}

// PrintBanner announces the start of the watch
func (p *Printer) PrintBanner(threshold resource.Quantity) {
	fmt.Fprintf(p.out, "\n----- PVC Watch (max total claims: %s) -----\n", threshold.String())
}

// Handle implements aggregator.Sink
func (p *Printer) Handle(_ context.Context, o aggregator.Outcome) error {
	total := o.Total.String()
	threshold := o.Threshold.String()

	switch o.Kind {
	case aggregator.KindAdded:
		fmt.Fprintf(p.out, "ADDED: PVC %s added, size %s\n", o.Claim.ID.Name, sizeOf(o))
	case aggregator.KindModified:
		fmt.Fprintf(p.out, "MODIFIED: PVC %s\n", o.Claim.ID.Name)
	case aggregator.KindRemoved:
		fmt.Fprintf(p.out, "DELETED: PVC %s removed, size %s\n", o.Claim.ID.Name, sizeOf(o))
	case aggregator.KindOverThreshold:
		fmt.Fprintf(p.out, "%s claim overage reached: max %s, at %s\n", p.au.Red("WARNING:"), threshold, total)
		fmt.Fprintln(p.out, p.au.Bold("*** Trigger over capacity action ***"))
	case aggregator.KindBackToNormal:
		fmt.Fprintf(p.out, "%s claim usage normal: max %s, at %s\n", p.au.Green("INFO:"), threshold, total)
	case aggregator.KindUtilization:
		fmt.Fprintf(p.out, "INFO: Total PVC is at %4.1f%% capacity (%s/%s)\n", o.Ratio*100, total, threshold)
	case aggregator.KindConsistencyWarning:
		fmt.Fprintf(p.out, "%s inconsistent state for PVC %s: %s (total %s)\n",
			p.au.Yellow("WARNING:"), claimKey(o), o.Reason, total)
	case aggregator.KindRejected:
		fmt.Fprintf(p.out, "%s PVC %s rejected: %s\n", p.au.Red("ERROR:"), claimKey(o), o.Reason)
	default:
		return fmt.Errorf("unknown outcome kind %q", o.Kind)
	}
	return nil
}

func sizeOf(o aggregator.Outcome) string {
	if o.Claim == nil {
		return ""
	}
	return o.Claim.RequestedSize.String()
}
