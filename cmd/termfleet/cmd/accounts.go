package cmd

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rustyeddy/termfleet/account"
	"github.com/rustyeddy/termfleet/api"
	"github.com/rustyeddy/termfleet/health"
	"github.com/rustyeddy/termfleet/journal"
)

var accountsCmd = &cobra.Command{
	Use:     "accounts",
	Aliases: []string{"acct"},
	Short:   "Manage accounts on a running orchestrator",
	Long: `Issue lifecycle commands to a running orchestrator.

Commands return as soon as the orchestrator accepts them. Use --wait to
block until the account reaches its final state.

Examples:
  termfleet accounts add 1123456 --nickname Main --wait
  termfleet accounts stop 1123456
  termfleet accounts list`,
}

var (
	accountsWait     bool
	accountsNickname string
	historyLimit     int
	historyCSV       bool
)

func init() {
	rootCmd.AddCommand(accountsCmd)

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List accounts in registration order",
		Args:  cobra.NoArgs,
		RunE:  runAccountsList,
	}
	addCmd := &cobra.Command{
		Use:   "add NUMBER",
		Short: "Register an account and start its terminal",
		Args:  cobra.ExactArgs(1),
		RunE:  runAccountsAdd,
	}
	addCmd.Flags().StringVarP(&accountsNickname, "nickname", "n", "", "display name")

	renameCmd := &cobra.Command{
		Use:   "rename NUMBER NICKNAME",
		Short: "Change an account's nickname",
		Args:  cobra.ExactArgs(2),
		RunE:  runAccountsRename,
	}
	summaryCmd := &cobra.Command{
		Use:   "summary",
		Short: "Show system health and uptimes",
		Args:  cobra.NoArgs,
		RunE:  runAccountsSummary,
	}

	historyCmd := &cobra.Command{
		Use:   "history NUMBER",
		Short: "Show journaled events for an account",
		Args:  cobra.ExactArgs(1),
		RunE:  runAccountsHistory,
	}
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "l", 20, "most recent events to show (0 for all)")
	historyCmd.Flags().BoolVar(&historyCSV, "csv", false, "write CSV instead of a table")

	accountsCmd.AddCommand(listCmd, addCmd, renameCmd, summaryCmd, historyCmd,
		lifecycleCommand("open", "Start the terminal of an offline account", http.MethodPost, "/open"),
		lifecycleCommand("restart", "Stop and start an account's terminal", http.MethodPost, "/restart"),
		lifecycleCommand("stop", "Stop an account's terminal", http.MethodPost, "/stop"),
		lifecycleCommand("delete", "Stop an account's terminal and remove the account", http.MethodDelete, ""),
	)
	accountsCmd.PersistentFlags().BoolVarP(&accountsWait, "wait", "w", false, "wait for the command to finish")
}

func waitQuery() string {
	if accountsWait {
		return "?wait=true"
	}
	return ""
}

func lifecycleCommand(name, short, method, suffix string) *cobra.Command {
	return &cobra.Command{
		Use:   name + " NUMBER",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/accounts/" + url.PathEscape(args[0]) + suffix + waitQuery()

			var a account.Account
			if err := newClient(serverURL).do(cmd.Context(), method, path, nil, &a); err != nil {
				return err
			}
			if a.Number == "" {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s: done\n", name, args[0])
				return nil
			}
			printAccount(cmd.OutOrStdout(), a)
			return nil
		},
	}
}

func runAccountsList(cmd *cobra.Command, args []string) error {
	var accts []account.Account
	if err := newClient(serverURL).do(cmd.Context(), http.MethodGet, "/api/accounts", nil, &accts); err != nil {
		return err
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ACCOUNT\tNICKNAME\tSTATUS\tPID\tCREATED\tLAST ERROR")
	for _, a := range accts {
		pid := "-"
		if a.PID() != 0 {
			pid = fmt.Sprint(a.PID())
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			a.Number, a.Nickname, a.Status, pid, a.Created.Local().Format(time.DateTime), a.LastError)
	}
	return tw.Flush()
}

func runAccountsAdd(cmd *cobra.Command, args []string) error {
	var a account.Account
	req := api.AddRequest{Number: args[0], Nickname: accountsNickname}
	if err := newClient(serverURL).do(cmd.Context(), http.MethodPost, "/api/accounts"+waitQuery(), req, &a); err != nil {
		return err
	}
	printAccount(cmd.OutOrStdout(), a)
	return nil
}

func runAccountsRename(cmd *cobra.Command, args []string) error {
	var a account.Account
	req := api.RenameRequest{Nickname: args[1]}
	if err := newClient(serverURL).do(cmd.Context(), http.MethodPatch, "/api/accounts/"+url.PathEscape(args[0]), req, &a); err != nil {
		return err
	}
	printAccount(cmd.OutOrStdout(), a)
	return nil
}

func runAccountsSummary(cmd *cobra.Command, args []string) error {
	var s health.Summary
	if err := newClient(serverURL).do(cmd.Context(), http.MethodGet, "/api/summary", nil, &s); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "System:  %s (up %s)\n", s.SystemHealth, s.SystemUptime)
	fmt.Fprintf(out, "Accounts: %d total, %d online, %d offline, %d pending\n", s.Total, s.Online, s.Offline, s.Pending)
	if len(s.Accounts) == 0 {
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ACCOUNT\tSTATUS\tUPTIME\tPENDING SIGNALS")
	for _, a := range s.Accounts {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", a.Account, a.Status, a.Uptime, a.PendingSignals)
	}
	return tw.Flush()
}

func runAccountsHistory(cmd *cobra.Command, args []string) error {
	var recs []journal.Record
	path := fmt.Sprintf("/api/accounts/%s/history?limit=%d", url.PathEscape(args[0]), historyLimit)
	if err := newClient(serverURL).do(cmd.Context(), http.MethodGet, path, nil, &recs); err != nil {
		return err
	}

	if historyCSV {
		return journal.WriteCSV(cmd.OutOrStdout(), recs)
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tEVENT\tSTATUS\tPID\tDETAIL")
	for _, r := range recs {
		pid := "-"
		if r.PID != 0 {
			pid = fmt.Sprint(r.PID)
		}
		detail := r.Error
		if detail == "" {
			detail = r.AckID
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			r.Time.Local().Format(time.DateTime), r.Type, r.Status, pid, detail)
	}
	return tw.Flush()
}

func printAccount(w io.Writer, a account.Account) {
	fmt.Fprintf(w, "%s (%s): %s", a.Number, a.Nickname, a.Status)
	if pid := a.PID(); pid != 0 {
		fmt.Fprintf(w, " pid %d", pid)
	}
	if a.LastError != "" {
		fmt.Fprintf(w, " last error: %s", a.LastError)
	}
	fmt.Fprintln(w)
}
