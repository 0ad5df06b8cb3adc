package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/iliyamo/option-booking/internal/model"
	"github.com/iliyamo/option-booking/internal/repository"
	"github.com/iliyamo/option-booking/internal/revalidation"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the embedded schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, done, err := openServices(cmd.Context())
		if err != nil {
			return err
		}
		defer done()
		fmt.Fprintln(os.Stderr, "✓ schema up to date")
		return nil
	},
}

var userCmd = &cobra.Command{Use: "user", Short: "Manage users"}

var userCreateCmd = &cobra.Command{
	Use:   "create EMAIL PASSWORD",
	Short: "Create a user (use --admin for an administrator)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, done, err := openServices(cmd.Context())
		if err != nil {
			return err
		}
		defer done()
		role := model.RoleCustomer
		if admin, _ := cmd.Flags().GetBool("admin"); admin {
			role = model.RoleAdmin
		}
		cost, _ := cmd.Flags().GetInt("bcrypt-cost")
		id, err := svc.Users.Create(cmd.Context(), strings.ToLower(strings.TrimSpace(args[0])), args[1], role, cost)
		if err != nil {
			return err
		}
		fmt.Printf("%d\n", id)
		return nil
	},
}

var userBanCmd = &cobra.Command{
	Use:   "ban USER_ID",
	Short: "Ban a user and schedule revalidation of their answers",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		svc, done, err := openServices(cmd.Context())
		if err != nil {
			return err
		}
		defer done()
		lift, _ := cmd.Flags().GetBool("lift")
		return svc.Admin.SetBanned(cmd.Context(), id, !lift)
	},
}

var revalidateCmd = &cobra.Command{Use: "revalidate", Short: "Manage revalidation work items"}

var revalidateEnqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Schedule revalidation for an option, context, user or every flagged option",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, done, err := openServices(cmd.Context())
		if err != nil {
			return err
		}
		defer done()
		f := cmd.Flags()
		var scope revalidation.Scope
		scope.OptionID, _ = f.GetUint64("option")
		scope.ContextID, _ = f.GetUint64("context")
		scope.UserID, _ = f.GetUint64("user")
		scope.AllFlagged, _ = f.GetBool("all-flagged")
		scope.CheckIDs, _ = f.GetStringSlice("check")
		scope.ActionID, _ = f.GetString("action")
		res, err := svc.Scheduler.Enqueue(cmd.Context(), scope)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "scheduled %d, debounced %d\n", len(res.Scheduled), res.Debounced)
		return printJSON(res.Scheduled)
	},
}

var revalidateListCmd = &cobra.Command{
	Use:   "list",
	Short: "List work items",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, done, err := openServices(cmd.Context())
		if err != nil {
			return err
		}
		defer done()
		var filter repository.TaskFilter
		filter.OptionID, _ = cmd.Flags().GetUint64("option")
		status, _ := cmd.Flags().GetString("status")
		filter.Status = model.WorkItemStatus(strings.ToUpper(status))
		filter.Limit, _ = cmd.Flags().GetInt("limit")
		items, err := svc.Tasks.List(cmd.Context(), filter)
		if err != nil {
			return err
		}
		return printJSON(items)
	},
}

var revalidateCancelCmd = &cobra.Command{
	Use:   "cancel ITEM_ID",
	Short: "Cancel a pending work item",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, done, err := openServices(cmd.Context())
		if err != nil {
			return err
		}
		defer done()
		return svc.Scheduler.Cancel(cmd.Context(), args[0])
	},
}

var revalidateRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Process due work items once, without waiting for the worker",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, done, err := openServices(cmd.Context())
		if err != nil {
			return err
		}
		defer done()
		limit, _ := cmd.Flags().GetInt("limit")
		pool := revalidation.NewPool(svc.Tasks, svc.Processor, revalidation.PoolConfig{Workers: 1})
		n, err := pool.RunOnce(cmd.Context(), limit)
		fmt.Fprintf(os.Stderr, "processed %d item(s)\n", n)
		return err
	},
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show what revalidation did",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, done, err := openServices(cmd.Context())
		if err != nil {
			return err
		}
		defer done()
		var filter repository.AuditFilter
		filter.OptionID, _ = cmd.Flags().GetUint64("option")
		filter.WorkItemID, _ = cmd.Flags().GetString("item")
		filter.Limit, _ = cmd.Flags().GetInt("limit")
		entries, err := svc.Audit.List(cmd.Context(), filter)
		if err != nil {
			return err
		}
		return printJSON(entries)
	},
}

var settingsCmd = &cobra.Command{Use: "settings", Short: "Read and change feature settings"}

var settingsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, done, err := openServices(cmd.Context())
		if err != nil {
			return err
		}
		defer done()
		settings, err := svc.Settings.List(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(settings)
	},
}

var settingsSetCmd = &cobra.Command{
	Use:   "set NAME VALUE",
	Short: "Set a setting, e.g. revalidate_on_ban false",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, done, err := openServices(cmd.Context())
		if err != nil {
			return err
		}
		defer done()
		return svc.Settings.Set(cmd.Context(), args[0], args[1])
	},
}

func init() {
	userCreateCmd.Flags().Bool("admin", false, "create an administrator")
	userCreateCmd.Flags().Int("bcrypt-cost", 12, "bcrypt cost")
	userBanCmd.Flags().Bool("lift", false, "lift the ban instead")
	userCmd.AddCommand(userCreateCmd, userBanCmd)

	ef := revalidateEnqueueCmd.Flags()
	ef.Uint64("option", 0, "option id")
	ef.Uint64("context", 0, "context id")
	ef.Uint64("user", 0, "user id")
	ef.Bool("all-flagged", false, "every option with revalidate enabled")
	ef.StringSlice("check", nil, "check ids (default: all)")
	ef.String("action", revalidation.ActionRetract, "action id")

	revalidateListCmd.Flags().Uint64("option", 0, "option id")
	revalidateListCmd.Flags().String("status", "", "PENDING, RUNNING, DONE, CANCELLED or FAILED")
	revalidateListCmd.Flags().Int("limit", 100, "maximum items")
	revalidateRunCmd.Flags().Int("limit", 50, "maximum items")
	revalidateCmd.AddCommand(revalidateEnqueueCmd, revalidateListCmd, revalidateCancelCmd, revalidateRunCmd)

	auditCmd.Flags().Uint64("option", 0, "option id")
	auditCmd.Flags().String("item", "", "work item id")
	auditCmd.Flags().Int("limit", 200, "maximum entries")

	settingsCmd.AddCommand(settingsListCmd, settingsSetCmd)

	rootCmd.AddCommand(migrateCmd, userCmd, revalidateCmd, auditCmd, settingsCmd)
}

func parseID(s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
