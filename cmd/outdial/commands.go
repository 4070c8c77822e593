package main

import (
    "bufio"
    "context"
    "encoding/csv"
    "fmt"
    "os"
    "strconv"
    "strings"
    "time"

    "github.com/fatih/color"
    "github.com/olekukonko/tablewriter"
    "github.com/spf13/cobra"

    "github.com/voiceops/outdial/internal/models"
)

var (
    green  = color.New(color.FgGreen).SprintFunc()
    red    = color.New(color.FgRed).SprintFunc()
    yellow = color.New(color.FgYellow).SprintFunc()
    bold   = color.New(color.Bold).SprintFunc()
)

func createCallerIDCommands() *cobra.Command {
    cidCmd := &cobra.Command{
        Use:   "callerid",
        Short: "Manage the caller-ID pool",
        Long:  "Commands for managing the shared pool of outbound caller-ID numbers",
    }

    cidCmd.AddCommand(
        createCallerIDAddCommand(),
        createCallerIDListCommand(),
        createCallerIDDeactivateCommand(),
        createCallerIDActivateCommand(),
        createCallerIDReleaseCommand(),
    )

    return cidCmd
}

func createCallerIDAddCommand() *cobra.Command {
    var (
        account string
        csvFile string
    )

    cmd := &cobra.Command{
        Use:   "add [numbers...]",
        Short: "Add caller-ID numbers to the pool",
        RunE: func(cmd *cobra.Command, args []string) error {
            ctx := context.Background()

            if err := initializeForCLI(ctx); err != nil {
                return err
            }

            var numbers []string

            if csvFile != "" {
                file, err := os.Open(csvFile)
                if err != nil {
                    return fmt.Errorf("failed to open CSV file: %v", err)
                }
                defer file.Close()

                reader := csv.NewReader(file)
                records, err := reader.ReadAll()
                if err != nil {
                    return fmt.Errorf("failed to read CSV: %v", err)
                }

                for i, record := range records {
                    if i == 0 && strings.ToLower(record[0]) == "number" {
                        continue // Skip header
                    }
                    if len(record) > 0 {
                        numbers = append(numbers, record[0])
                    }
                }
            } else if len(args) > 0 {
                numbers = args
            } else {
                return fmt.Errorf("no numbers specified")
            }

            added := 0
            for _, number := range numbers {
                unit := &models.CallerID{
                    Number:      number,
                    AccountName: account,
                    Active:      true,
                }

                if err := unitStore.Insert(ctx, unit); err != nil {
                    fmt.Printf("%s Failed to add %s: %v\n", red("✗"), number, err)
                } else {
                    added++
                }
            }

            fmt.Printf("%s Added %d caller-ID numbers\n", green("✓"), added)
            return nil
        },
    }

    cmd.Flags().StringVarP(&account, "account", "a", "", "Provider account the numbers belong to")
    cmd.Flags().StringVarP(&csvFile, "file", "f", "", "CSV file containing numbers")

    return cmd
}

func createCallerIDListCommand() *cobra.Command {
    var leasedOnly bool

    cmd := &cobra.Command{
        Use:   "list",
        Short: "List caller-ID numbers in the pool",
        RunE: func(cmd *cobra.Command, args []string) error {
            ctx := context.Background()

            if err := initializeForCLI(ctx); err != nil {
                return err
            }

            var units []*models.CallerID
            var err error
            if leasedOnly {
                units, err = unitStore.ListLeased(ctx)
            } else {
                units, err = unitStore.List(ctx)
            }
            if err != nil {
                return fmt.Errorf("failed to list caller-IDs: %v", err)
            }

            if len(units) == 0 {
                fmt.Println("No caller-IDs found")
                return nil
            }

            now := time.Now()

            table := tablewriter.NewWriter(os.Stdout)
            table.SetHeader([]string{"Number", "Account", "Status", "Target", "Usage Count", "Last Used"})
            table.SetBorder(false)

            for _, unit := range units {
                status := green("Available")
                target := "-"
                switch {
                case !unit.Active:
                    status = red("Inactive")
                case !unit.IsAvailable(now):
                    status = yellow("Leased")
                    target = unit.CurrentTarget
                case unit.CurrentTarget != "":
                    status = yellow("Stale")
                    target = unit.CurrentTarget
                }

                lastUsed := "-"
                if unit.LastUsedAt != nil {
                    lastUsed = unit.LastUsedAt.Format("2006-01-02 15:04:05")
                }

                table.Append([]string{
                    unit.Number,
                    unit.AccountName,
                    status,
                    target,
                    fmt.Sprintf("%d", unit.UsageCount),
                    lastUsed,
                })
            }

            table.Render()

            var available, leased int
            for _, unit := range units {
                if unit.Active && unit.IsAvailable(now) {
                    available++
                } else if unit.Active {
                    leased++
                }
            }

            fmt.Printf("\nTotal: %d | Available: %s | Leased: %s\n",
                len(units),
                green(fmt.Sprintf("%d", available)),
                yellow(fmt.Sprintf("%d", leased)))

            return nil
        },
    }

    cmd.Flags().BoolVarP(&leasedOnly, "leased", "l", false, "Show only leased numbers")

    return cmd
}

func createCallerIDDeactivateCommand() *cobra.Command {
    return &cobra.Command{
        Use:   "deactivate <number>",
        Short: "Deactivate a caller-ID number",
        Args:  cobra.ExactArgs(1),
        RunE: func(cmd *cobra.Command, args []string) error {
            ctx := context.Background()

            if err := initializeForCLI(ctx); err != nil {
                return err
            }

            unit, err := unitStore.GetByNumber(ctx, args[0])
            if err != nil {
                return fmt.Errorf("failed to get caller-ID: %v", err)
            }

            if !unit.IsAvailable(time.Now()) {
                fmt.Printf("%s Number %s holds a live lease for %s; it will stop being leased but the current call continues\n",
                    yellow("!"), unit.Number, unit.CurrentTarget)
            }

            if err := unitStore.SetActive(ctx, args[0], false); err != nil {
                return fmt.Errorf("failed to deactivate caller-ID: %v", err)
            }

            fmt.Printf("%s Caller-ID '%s' deactivated\n", green("✓"), args[0])
            return nil
        },
    }
}

func createCallerIDActivateCommand() *cobra.Command {
    return &cobra.Command{
        Use:   "activate <number>",
        Short: "Activate a caller-ID number",
        Args:  cobra.ExactArgs(1),
        RunE: func(cmd *cobra.Command, args []string) error {
            ctx := context.Background()

            if err := initializeForCLI(ctx); err != nil {
                return err
            }

            if err := unitStore.SetActive(ctx, args[0], true); err != nil {
                return fmt.Errorf("failed to activate caller-ID: %v", err)
            }

            fmt.Printf("%s Caller-ID '%s' activated\n", green("✓"), args[0])
            return nil
        },
    }
}

func createCallerIDReleaseCommand() *cobra.Command {
    return &cobra.Command{
        Use:   "release <number>",
        Short: "Manually release a caller-ID lease",
        Args:  cobra.ExactArgs(1),
        RunE: func(cmd *cobra.Command, args []string) error {
            ctx := context.Background()

            if err := initializeForCLI(ctx); err != nil {
                return err
            }

            unit, err := unitStore.GetByNumber(ctx, args[0])
            if err != nil {
                return fmt.Errorf("failed to get caller-ID: %v", err)
            }

            // Empty target: the operator clears whatever the unit holds.
            if err := poolMgr.Release(ctx, unit.ID, "", "manual"); err != nil {
                return fmt.Errorf("failed to release caller-ID: %v", err)
            }

            fmt.Printf("%s Caller-ID '%s' released\n", green("✓"), args[0])
            return nil
        },
    }
}

func createAccountCommands() *cobra.Command {
    accountCmd := &cobra.Command{
        Use:   "account",
        Short: "Manage provider accounts",
        Long:  "Commands for managing upstream telephony provider accounts",
    }

    accountCmd.AddCommand(
        createAccountAddCommand(),
        createAccountListCommand(),
        createAccountDisableCommand(),
    )

    return accountCmd
}

func createAccountAddCommand() *cobra.Command {
    var (
        baseURL       string
        authToken     string
        maxConcurrent int
    )

    cmd := &cobra.Command{
        Use:   "add <name>",
        Short: "Add a provider account",
        Args:  cobra.ExactArgs(1),
        RunE: func(cmd *cobra.Command, args []string) error {
            ctx := context.Background()

            if err := initializeForCLI(ctx); err != nil {
                return err
            }

            account := &models.ProviderAccount{
                Name:          args[0],
                BaseURL:       baseURL,
                AuthToken:     authToken,
                MaxConcurrent: maxConcurrent,
                Active:        true,
            }

            if err := accountStore.Insert(ctx, account); err != nil {
                return fmt.Errorf("failed to create account: %v", err)
            }

            fmt.Printf("%s Account '%s' created\n", green("✓"), args[0])
            return nil
        },
    }

    cmd.Flags().StringVar(&baseURL, "base-url", "", "Provider API base URL")
    cmd.Flags().StringVar(&authToken, "auth-token", "", "Provider API auth token")
    cmd.Flags().IntVar(&maxConcurrent, "max-concurrent", 0, "Maximum concurrent calls (0=unlimited)")

    cmd.MarkFlagRequired("base-url")

    return cmd
}

func createAccountListCommand() *cobra.Command {
    return &cobra.Command{
        Use:   "list",
        Short: "List provider accounts",
        RunE: func(cmd *cobra.Command, args []string) error {
            ctx := context.Background()

            if err := initializeForCLI(ctx); err != nil {
                return err
            }

            accounts, err := accountStore.List(ctx)
            if err != nil {
                return fmt.Errorf("failed to list accounts: %v", err)
            }

            if len(accounts) == 0 {
                fmt.Println("No accounts found")
                return nil
            }

            stats := registry.Stats()

            table := tablewriter.NewWriter(os.Stdout)
            table.SetHeader([]string{"Name", "Base URL", "Max Concurrent", "Active Calls", "Status"})
            table.SetBorder(false)
            table.SetAutoWrapText(false)

            for _, a := range accounts {
                status := red("Inactive")
                if a.Active {
                    status = green("Active")
                }

                maxConcurrent := fmt.Sprintf("%d", a.MaxConcurrent)
                if a.MaxConcurrent == 0 {
                    maxConcurrent = "∞"
                }

                activeCalls := "0"
                if stat, ok := stats[a.Name]; ok {
                    activeCalls = fmt.Sprintf("%d", stat.ActiveCalls)
                    if a.Active && !stat.Healthy {
                        status = yellow("Degraded")
                    }
                }

                table.Append([]string{
                    a.Name,
                    a.BaseURL,
                    maxConcurrent,
                    activeCalls,
                    status,
                })
            }

            table.Render()
            return nil
        },
    }
}

func createAccountDisableCommand() *cobra.Command {
    return &cobra.Command{
        Use:   "disable <name>",
        Short: "Disable a provider account",
        Args:  cobra.ExactArgs(1),
        RunE: func(cmd *cobra.Command, args []string) error {
            ctx := context.Background()

            if err := initializeForCLI(ctx); err != nil {
                return err
            }

            if err := accountStore.SetActive(ctx, args[0], false); err != nil {
                return fmt.Errorf("failed to disable account: %v", err)
            }

            fmt.Printf("%s Account '%s' disabled\n", green("✓"), args[0])
            return nil
        },
    }
}

func createBalanceCommands() *cobra.Command {
    balanceCmd := &cobra.Command{
        Use:   "balance",
        Short: "Manage user balances",
        Long:  "Commands for inspecting and crediting user balances (minor units)",
    }

    balanceCmd.AddCommand(
        createBalanceShowCommand(),
        createBalanceCreditCommand(),
    )

    return balanceCmd
}

func createBalanceShowCommand() *cobra.Command {
    return &cobra.Command{
        Use:   "show <user-id>",
        Short: "Show a user balance",
        Args:  cobra.ExactArgs(1),
        RunE: func(cmd *cobra.Command, args []string) error {
            ctx := context.Background()

            if err := initializeForCLI(ctx); err != nil {
                return err
            }

            userID, err := strconv.ParseInt(args[0], 10, 64)
            if err != nil {
                return fmt.Errorf("invalid user ID: %v", err)
            }

            balance, err := ledgerSvc.Balance(ctx, userID)
            if err != nil {
                return fmt.Errorf("failed to get balance: %v", err)
            }

            fmt.Printf("User %d balance: %s\n", userID, bold(fmt.Sprintf("%d", balance)))
            return nil
        },
    }
}

func createBalanceCreditCommand() *cobra.Command {
    var reason string

    cmd := &cobra.Command{
        Use:   "credit <user-id> <amount>",
        Short: "Credit a user balance",
        Args:  cobra.ExactArgs(2),
        RunE: func(cmd *cobra.Command, args []string) error {
            ctx := context.Background()

            if err := initializeForCLI(ctx); err != nil {
                return err
            }

            userID, err := strconv.ParseInt(args[0], 10, 64)
            if err != nil {
                return fmt.Errorf("invalid user ID: %v", err)
            }

            amount, err := strconv.ParseInt(args[1], 10, 64)
            if err != nil {
                return fmt.Errorf("invalid amount: %v", err)
            }

            balance, err := ledgerSvc.Credit(ctx, userID, amount, reason)
            if err != nil {
                return fmt.Errorf("failed to credit balance: %v", err)
            }

            fmt.Printf("%s Credited %d to user %d (new balance: %d)\n", green("✓"), amount, userID, balance)
            return nil
        },
    }

    cmd.Flags().StringVarP(&reason, "reason", "r", "manual-credit", "Ledger entry reason")

    return cmd
}

func createBlacklistCommands() *cobra.Command {
    blacklistCmd := &cobra.Command{
        Use:   "blacklist",
        Short: "Manage caller-ID blacklist entries",
        Long:  "Commands for marking caller-ID numbers unusable for a destination",
    }

    blacklistCmd.AddCommand(
        createBlacklistAddCommand(),
        createBlacklistRemoveCommand(),
        createBlacklistListCommand(),
    )

    return blacklistCmd
}

func createBlacklistAddCommand() *cobra.Command {
    var reason string

    cmd := &cobra.Command{
        Use:   "add <caller-number> <destination>",
        Short: "Blacklist a caller-ID number for a destination",
        Args:  cobra.ExactArgs(2),
        RunE: func(cmd *cobra.Command, args []string) error {
            ctx := context.Background()

            if err := initializeForCLI(ctx); err != nil {
                return err
            }

            entry := &models.BlacklistEntry{
                CallerNumber: args[0],
                Destination:  args[1],
                Reason:       reason,
            }

            if err := blockStore.Add(ctx, entry); err != nil {
                return fmt.Errorf("failed to add blacklist entry: %v", err)
            }

            fmt.Printf("%s Blacklisted %s for %s\n", green("✓"), args[0], args[1])
            return nil
        },
    }

    cmd.Flags().StringVarP(&reason, "reason", "r", "", "Reason for the entry")

    return cmd
}

func createBlacklistRemoveCommand() *cobra.Command {
    return &cobra.Command{
        Use:   "remove <caller-number> <destination>",
        Short: "Remove a blacklist entry",
        Args:  cobra.ExactArgs(2),
        RunE: func(cmd *cobra.Command, args []string) error {
            ctx := context.Background()

            if err := initializeForCLI(ctx); err != nil {
                return err
            }

            if err := blockStore.Remove(ctx, args[0], args[1]); err != nil {
                return fmt.Errorf("failed to remove blacklist entry: %v", err)
            }

            fmt.Printf("%s Removed blacklist entry %s / %s\n", green("✓"), args[0], args[1])
            return nil
        },
    }
}

func createBlacklistListCommand() *cobra.Command {
    return &cobra.Command{
        Use:   "list",
        Short: "List blacklist entries",
        RunE: func(cmd *cobra.Command, args []string) error {
            ctx := context.Background()

            if err := initializeForCLI(ctx); err != nil {
                return err
            }

            entries, err := blockStore.List(ctx)
            if err != nil {
                return fmt.Errorf("failed to list blacklist entries: %v", err)
            }

            if len(entries) == 0 {
                fmt.Println("No blacklist entries found")
                return nil
            }

            table := tablewriter.NewWriter(os.Stdout)
            table.SetHeader([]string{"Caller Number", "Destination", "Reason", "Created"})
            table.SetBorder(false)

            for _, e := range entries {
                reason := e.Reason
                if reason == "" {
                    reason = "-"
                }
                table.Append([]string{
                    e.CallerNumber,
                    e.Destination,
                    reason,
                    e.CreatedAt.Format("2006-01-02 15:04:05"),
                })
            }

            table.Render()
            return nil
        },
    }
}

func createPoolCommands() *cobra.Command {
    poolCmd := &cobra.Command{
        Use:   "pool",
        Short: "Inspect and repair the caller-ID pool",
    }

    poolCmd.AddCommand(
        createPoolStatusCommand(),
        createPoolReleaseAllCommand(),
        createPoolReleaseOldestCommand(),
    )

    return poolCmd
}

func createPoolStatusCommand() *cobra.Command {
    return &cobra.Command{
        Use:   "status",
        Short: "Show pool occupancy",
        RunE: func(cmd *cobra.Command, args []string) error {
            ctx := context.Background()

            if err := initializeForCLI(ctx); err != nil {
                return err
            }

            status, err := poolMgr.Status(ctx)
            if err != nil {
                return fmt.Errorf("failed to get pool status: %v", err)
            }

            fmt.Printf("\n%s\n", bold("Pool Status"))
            fmt.Printf("Total:     %d\n", status.Total)
            fmt.Printf("Available: %s\n", green(fmt.Sprintf("%d", status.Available)))
            fmt.Printf("Leased:    %s\n", yellow(fmt.Sprintf("%d", status.Leased)))
            if status.Stale > 0 {
                fmt.Printf("Stale:     %s\n", red(fmt.Sprintf("%d", status.Stale)))
            }

            return nil
        },
    }
}

func createPoolReleaseAllCommand() *cobra.Command {
    return &cobra.Command{
        Use:   "release-all",
        Short: "Force-release every lease in the pool",
        RunE: func(cmd *cobra.Command, args []string) error {
            ctx := context.Background()

            if err := initializeForCLI(ctx); err != nil {
                return err
            }

            fmt.Print("Force-release ALL leases? In-flight calls keep running but their units become leasable. [y/N]: ")
            reader := bufio.NewReader(os.Stdin)
            response, _ := reader.ReadString('\n')
            response = strings.TrimSpace(strings.ToLower(response))

            if response != "y" && response != "yes" {
                fmt.Println("Cancelled")
                return nil
            }

            released, err := poolMgr.ForceReleaseAll(ctx)
            if err != nil {
                return fmt.Errorf("failed to release leases: %v", err)
            }

            fmt.Printf("%s Released %d leases\n", green("✓"), released)
            return nil
        },
    }
}

func createPoolReleaseOldestCommand() *cobra.Command {
    return &cobra.Command{
        Use:   "release-oldest <n>",
        Short: "Force-release the n oldest leases",
        Args:  cobra.ExactArgs(1),
        RunE: func(cmd *cobra.Command, args []string) error {
            ctx := context.Background()

            if err := initializeForCLI(ctx); err != nil {
                return err
            }

            n, err := strconv.Atoi(args[0])
            if err != nil || n <= 0 {
                return fmt.Errorf("invalid count: %s", args[0])
            }

            released, err := poolMgr.ForceReleaseOldest(ctx, n)
            if err != nil {
                return fmt.Errorf("failed to release leases: %v", err)
            }

            fmt.Printf("%s Released %d leases\n", green("✓"), released)
            return nil
        },
    }
}

func createCallsCommand() *cobra.Command {
    var recent int

    cmd := &cobra.Command{
        Use:   "calls",
        Short: "Show active calls",
        RunE: func(cmd *cobra.Command, args []string) error {
            ctx := context.Background()

            if err := initializeForCLI(ctx); err != nil {
                return err
            }

            var calls []*models.CallRecord
            var err error
            if recent > 0 {
                calls, err = recordStore.ListRecent(ctx, recent)
            } else {
                calls, err = recordStore.ListNonTerminal(ctx)
            }
            if err != nil {
                return fmt.Errorf("failed to get calls: %v", err)
            }

            if len(calls) == 0 {
                fmt.Println("No calls found")
                return nil
            }

            table := tablewriter.NewWriter(os.Stdout)
            table.SetHeader([]string{"Call ID", "Destination", "Caller-ID", "Account", "Attempt", "Status", "Duration"})
            table.SetBorder(false)

            for _, call := range calls {
                duration := time.Since(call.StartTime)
                if call.EndTime != nil {
                    duration = call.EndTime.Sub(call.StartTime)
                }

                callID := call.CallID
                if len(callID) > 8 {
                    callID = callID[:8] + "..."
                }

                table.Append([]string{
                    callID,
                    call.Destination,
                    call.CallerIDNumber,
                    call.AccountName,
                    fmt.Sprintf("%d/%d", call.AttemptIndex, call.TotalAttempts),
                    string(call.Status),
                    fmt.Sprintf("%02d:%02d", int(duration.Minutes()), int(duration.Seconds())%60),
                })
            }

            table.Render()

            if recent == 0 {
                fmt.Printf("\nTotal active calls: %d\n", len(calls))
            }

            return nil
        },
    }

    cmd.Flags().IntVar(&recent, "recent", 0, "Show the n most recent calls instead of active ones")

    return cmd
}

func createRecoveryCommands() *cobra.Command {
    recoveryCmd := &cobra.Command{
        Use:   "recovery",
        Short: "Run and inspect pool recovery",
    }

    recoveryCmd.AddCommand(
        createRecoveryRunCommand(),
        createRecoveryStatsCommand(),
    )

    return recoveryCmd
}

func createRecoveryRunCommand() *cobra.Command {
    return &cobra.Command{
        Use:   "run",
        Short: "Run one recovery sweep now",
        RunE: func(cmd *cobra.Command, args []string) error {
            ctx := context.Background()

            if err := initializeForCLI(ctx); err != nil {
                return err
            }

            recoverySvc.RunOnce(ctx)

            stats := recoverySvc.Stats()
            fmt.Printf("%s Sweep complete\n", green("✓"))
            fmt.Printf("Stuck initiated failed:  %d\n", stats.StuckInitiated)
            fmt.Printf("Force completed:         %d\n", stats.ForceCompleted)
            fmt.Printf("Orphans released:        %d\n", stats.OrphansReleased)
            fmt.Printf("Emergency releases:      %d\n", stats.EmergencyReleases)
            fmt.Printf("Statuses verified:       %d\n", stats.StatusesVerified)
            return nil
        },
    }
}

func createRecoveryStatsCommand() *cobra.Command {
    return &cobra.Command{
        Use:   "stats",
        Short: "Show recovery counters",
        RunE: func(cmd *cobra.Command, args []string) error {
            ctx := context.Background()

            if err := initializeForCLI(ctx); err != nil {
                return err
            }

            stats := recoverySvc.Stats()

            fmt.Printf("\n%s\n", bold("Recovery Statistics"))
            fmt.Printf("Sweeps:                  %d\n", stats.Sweeps)
            fmt.Printf("Stuck initiated failed:  %d\n", stats.StuckInitiated)
            fmt.Printf("Force completed:         %d\n", stats.ForceCompleted)
            fmt.Printf("Orphans released:        %d\n", stats.OrphansReleased)
            fmt.Printf("Emergency releases:      %d\n", stats.EmergencyReleases)
            fmt.Printf("Statuses verified:       %d\n", stats.StatusesVerified)
            if stats.LastSweepAt != nil {
                fmt.Printf("Last sweep:              %s\n", stats.LastSweepAt.Format(time.RFC3339))
            }

            return nil
        },
    }
}

func createMonitorCommand() *cobra.Command {
    return &cobra.Command{
        Use:   "monitor",
        Short: "Real-time pool and call monitoring",
        RunE: func(cmd *cobra.Command, args []string) error {
            ctx := context.Background()

            if err := initializeForCLI(ctx); err != nil {
                return err
            }

            fmt.Println("Starting real-time monitor... Press Ctrl+C to exit")

            ticker := time.NewTicker(2 * time.Second)
            defer ticker.Stop()

            // Clear screen
            fmt.Print("\033[H\033[2J")

            for {
                select {
                case <-ticker.C:
                    // Clear screen
                    fmt.Print("\033[H\033[2J")

                    status, _ := poolMgr.Status(ctx)
                    calls, _ := recordStore.ListNonTerminal(ctx)
                    accountStats := registry.Stats()

                    fmt.Printf("%s %s\n\n", bold("Outdial Monitor"), time.Now().Format("15:04:05"))

                    fmt.Printf("%s Active Calls: %s\n", bold("📞"), yellow(fmt.Sprintf("%d", len(calls))))

                    if status != nil {
                        fmt.Printf("%s Pool: %s available / %s leased / %d total\n", bold("📱"),
                            green(fmt.Sprintf("%d", status.Available)),
                            yellow(fmt.Sprintf("%d", status.Leased)),
                            status.Total)
                    }

                    if len(accountStats) > 0 {
                        fmt.Printf("\n%s\n", bold("Account Health:"))
                        for name, stat := range accountStats {
                            dot := green("●")
                            if !stat.Healthy {
                                dot = red("●")
                            }
                            fmt.Printf("  %s %s - Active: %d, Total: %d, Failed: %d\n",
                                dot, name, stat.ActiveCalls, stat.TotalCalls, stat.FailedCalls)
                        }
                    }

                    if len(calls) > 0 {
                        fmt.Printf("\n%s\n", bold("Live Calls:"))
                        for i, call := range calls {
                            if i >= 5 {
                                break
                            }
                            duration := time.Since(call.StartTime)
                            fmt.Printf("  %s → %s [%s] %02d:%02d\n",
                                call.CallerIDNumber, call.Destination,
                                call.Status,
                                int(duration.Minutes()), int(duration.Seconds())%60)
                        }
                    }

                case <-cmd.Context().Done():
                    return nil
                }
            }
        },
    }
}

// Helper functions

func initializeForCLI(ctx context.Context) error {
    if err := loadConfig(); err != nil {
        return fmt.Errorf("failed to load config: %v", err)
    }

    if err := initializeCore(); err != nil {
        return fmt.Errorf("failed to initialize services: %v", err)
    }

    return nil
}
