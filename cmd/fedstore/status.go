package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"fedstore/pkg/config"
	"fedstore/pkg/node"
	"fedstore/pkg/types"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

// Style definitions
var (
	primaryColor   = lipgloss.Color("#FF79C6")
	secondaryColor = lipgloss.Color("#8BE9FD")
	accentColor    = lipgloss.Color("#50FA7B")
	warningColor   = lipgloss.Color("#FFB86C")
	dangerColor    = lipgloss.Color("#FF5555")
	mutedColor     = lipgloss.Color("#6272A4")
	bgLightColor   = lipgloss.Color("#44475A")
	fgColor        = lipgloss.Color("#F8F8F2")

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(1, 2).
			MarginBottom(1)

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			MarginBottom(1)

	mutedStyle = lipgloss.NewStyle().
			Foreground(mutedColor)

	labelStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Width(20)

	valueStyle = lipgloss.NewStyle().
			Foreground(fgColor).
			Bold(true)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(secondaryColor).
			Background(bgLightColor).
			Padding(0, 1)

	rowStyle = lipgloss.NewStyle().
			Padding(0, 1)
)

// createPanel renders content under a title in a bordered panel
func createPanel(title, content string) string {
	return panelStyle.Render(lipgloss.JoinVertical(lipgloss.Left, titleStyle.Render(title), content))
}

func healthStyle(score float64) lipgloss.Style {
	switch {
	case score >= 90:
		return valueStyle.Foreground(accentColor)
	case score >= 50:
		return valueStyle.Foreground(warningColor)
	default:
		return valueStyle.Foreground(dangerColor)
	}
}

func joinFederations(ids []types.FederationID) string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return strings.Join(out, ",")
}

func statusCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the node's keys, peers and health",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(func(ctx context.Context, n *node.Node) error {
				st := n.Status(ctx)
				if asJSON {
					return printJSON(st)
				}
				fmt.Println(renderStatus(st))
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print status as JSON")
	return cmd
}

func renderStatus(st node.Status) string {
	var summary strings.Builder
	rows := []struct {
		label string
		value string
		style lipgloss.Style
	}{
		{"Federation", st.Federation.String(), valueStyle},
		{"Node", st.NodeID, valueStyle},
		{"Address", st.Address, valueStyle},
		{"Health", fmt.Sprintf("%.0f%%", st.Health), healthStyle(st.Health)},
		{"Keys", fmt.Sprintf("%d", st.Stats.Keys), valueStyle},
		{"Under-replicated", fmt.Sprintf("%d", st.Stats.UnderReplicated), valueStyle},
		{"Peers", fmt.Sprintf("%d (%d active)", st.Stats.Peers, st.Stats.ActivePeers), valueStyle},
	}
	for _, r := range rows {
		summary.WriteString(labelStyle.Render(r.label) + r.style.Render(r.value) + "\n")
	}

	sections := []string{createPanel("Node", strings.TrimRight(summary.String(), "\n"))}

	if len(st.Locations) > 0 {
		t := newTable("KEY", "SIZE", "REPLICAS", "ENCRYPTED", "VERSIONED", "UPDATED")
		for _, loc := range st.Locations {
			replicas := fmt.Sprintf("%d", len(loc.StoragePeers))
			if loc.Policy != nil {
				replicas = fmt.Sprintf("%d/%d", len(loc.StoragePeers), loc.Policy.RedundancyFactor)
			}
			if !loc.HasSufficientReplicas() {
				replicas = lipgloss.NewStyle().Foreground(warningColor).Render(replicas)
			}
			t.Row(loc.Key,
				config.FormatDataSize(loc.SizeBytes),
				replicas,
				fmt.Sprintf("%t", loc.Encryption != nil),
				fmt.Sprintf("%t", loc.IsVersioned),
				loc.UpdatedAt.Format("2006-01-02 15:04:05"))
		}
		sections = append(sections, createPanel("Data Locations", t.Render()))
	}

	if len(st.Peers) > 0 {
		t := newTable("PEER", "ADDRESS", "FEDERATION", "STATUS", "LAST SEEN")
		for _, p := range st.Peers {
			status := lipgloss.NewStyle().Foreground(accentColor).Render("ACTIVE")
			if !p.IsActive {
				status = lipgloss.NewStyle().Foreground(dangerColor).Render("INACTIVE")
			}
			t.Row(p.ID.Short(),
				p.Address,
				p.FederationID,
				status,
				fmt.Sprintf("%s ago", time.Since(p.LastSeen).Round(time.Second)))
		}
		sections = append(sections, createPanel("Peers", t.Render()))
	}

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func routesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "routes",
		Short: "List configured federation routes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(func(ctx context.Context, n *node.Node) error {
				routes := n.Router().Routes()
				if len(routes) == 0 {
					fmt.Println(mutedStyle.Render("No routes configured; every key is stored locally"))
					return nil
				}

				t := newTable("PREFIX", "TARGETS", "MODE", "READ", "WRITE", "ADMIN")
				for _, r := range routes {
					mode := "first"
					switch {
					case r.ReplicationAcrossFederations:
						mode = "replicate"
					case r.PriorityOrder:
						mode = "failover"
					}
					t.Row(r.KeyPrefix,
						joinFederations(r.TargetFederations),
						mode,
						joinFederations(r.AccessPolicy.ReadFederations.Slice()),
						joinFederations(r.AccessPolicy.WriteFederations.Slice()),
						joinFederations(r.AccessPolicy.AdminFederations.Slice()))
				}
				fmt.Println(t.Render())
				return nil
			})
		},
	}
}
