package main

import (
    "context"
    "fmt"
    "os"
    "strconv"
    "time"

    "github.com/fatih/color"
    "github.com/olekukonko/tablewriter"
    "github.com/spf13/cobra"
)

var (
    green  = color.New(color.FgGreen).SprintFunc()
    red    = color.New(color.FgRed).SprintFunc()
    yellow = color.New(color.FgYellow).SprintFunc()
    bold   = color.New(color.Bold).SprintFunc()
)

func createCallsCommand() *cobra.Command {
    var limit int

    cmd := &cobra.Command{
        Use:   "calls",
        Short: "Show active calls",
        RunE: func(cmd *cobra.Command, args []string) error {
            ctx := context.Background()

            if err := initializeForCLI(ctx); err != nil {
                return err
            }

            rows, err := database.QueryContext(ctx, `
                SELECT call_id, src, dst, src_device_id, dst_device_id, state, start_time
                FROM active_calls ORDER BY start_time DESC LIMIT ?`, limit)
            if err != nil {
                return fmt.Errorf("failed to query active calls: %v", err)
            }
            defer rows.Close()

            table := tablewriter.NewWriter(os.Stdout)
            table.SetHeader([]string{"Call ID", "Src", "Dst", "OP Device", "TP Device", "State", "Duration"})
            table.SetBorder(false)
            table.SetAutoWrapText(false)

            count := 0
            now := time.Now()
            for rows.Next() {
                var callID, src, dst, state string
                var srcDev, dstDev int
                var startTime time.Time

                if err := rows.Scan(&callID, &src, &dst, &srcDev, &dstDev, &state, &startTime); err != nil {
                    return fmt.Errorf("failed to scan active call: %v", err)
                }

                stateStr := yellow(state)
                if state == "ANSWERED" {
                    stateStr = green(state)
                }

                table.Append([]string{
                    callID, src, dst,
                    strconv.Itoa(srcDev), strconv.Itoa(dstDev),
                    stateStr,
                    now.Sub(startTime).Truncate(time.Second).String(),
                })
                count++
            }

            if count == 0 {
                fmt.Println("No active calls")
                return nil
            }

            table.Render()
            fmt.Printf("\n%s %d active call(s)\n", bold("Total:"), count)
            return nil
        },
    }

    cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum rows to show")

    return cmd
}

func createRoutesCommand() *cobra.Command {
    var routeGroup int

    cmd := &cobra.Command{
        Use:   "routes",
        Short: "Show routing table entries",
        RunE: func(cmd *cobra.Command, args []string) error {
            ctx := context.Background()

            if err := initializeForCLI(ctx); err != nil {
                return err
            }

            query := `
                SELECT dp.id, dp.name, dp.route_group_id, dp.failover_tier, dp.prefix,
                       dp.primary_policy, dp.secondary_policy, dp.no_follow, dp.enabled,
                       COUNT(dpd.device_id)
                FROM dial_peers dp
                LEFT JOIN dial_peer_devices dpd ON dpd.dial_peer_id = dp.id`
            params := []interface{}{}
            if routeGroup > 0 {
                query += " WHERE dp.route_group_id = ?"
                params = append(params, routeGroup)
            }
            query += " GROUP BY dp.id ORDER BY dp.route_group_id, dp.failover_tier, dp.prefix"

            rows, err := database.QueryContext(ctx, query, params...)
            if err != nil {
                return fmt.Errorf("failed to query dial peers: %v", err)
            }
            defer rows.Close()

            table := tablewriter.NewWriter(os.Stdout)
            table.SetHeader([]string{"ID", "Name", "Group", "Tier", "Prefix", "Policy", "No Follow", "Devices", "Status"})
            table.SetBorder(false)
            table.SetAutoWrapText(false)

            count := 0
            for rows.Next() {
                var id, group, tier, devices int
                var name, prefix, primary, secondary string
                var noFollow, enabled bool

                if err := rows.Scan(&id, &name, &group, &tier, &prefix,
                    &primary, &secondary, &noFollow, &enabled, &devices); err != nil {
                    return fmt.Errorf("failed to scan dial peer: %v", err)
                }

                policy := primary
                if secondary != "" && secondary != "none" {
                    policy = primary + "/" + secondary
                }

                status := green("Enabled")
                if !enabled {
                    status = red("Disabled")
                }
                follow := ""
                if noFollow {
                    follow = yellow("yes")
                }

                table.Append([]string{
                    strconv.Itoa(id), name, strconv.Itoa(group), strconv.Itoa(tier),
                    prefix, policy, follow, strconv.Itoa(devices), status,
                })
                count++
            }

            if count == 0 {
                fmt.Println("No dial peers found")
                return nil
            }

            table.Render()
            return nil
        },
    }

    cmd.Flags().IntVarP(&routeGroup, "group", "g", 0, "Filter by route group")

    return cmd
}

func createQualityCommand() *cobra.Command {
    cmd := &cobra.Command{
        Use:   "quality",
        Short: "Show quality routing profiles and recent route performance",
        RunE: func(cmd *cobra.Command, args []string) error {
            ctx := context.Background()

            if err := initializeForCLI(ctx); err != nil {
                return err
            }

            rows, err := database.QueryContext(ctx, `
                SELECT id, name, formula, asr_calls, acd_calls, total_calls
                FROM quality_routings ORDER BY id`)
            if err != nil {
                return fmt.Errorf("failed to query quality profiles: %v", err)
            }
            defer rows.Close()

            table := tablewriter.NewWriter(os.Stdout)
            table.SetHeader([]string{"ID", "Name", "Formula", "ASR Win", "ACD Win", "Total Win"})
            table.SetBorder(false)
            table.SetAutoWrapText(false)

            count := 0
            for rows.Next() {
                var id, asrWin, acdWin, totalWin int
                var name, formula string

                if err := rows.Scan(&id, &name, &formula, &asrWin, &acdWin, &totalWin); err != nil {
                    return fmt.Errorf("failed to scan quality profile: %v", err)
                }

                table.Append([]string{
                    strconv.Itoa(id), name, formula,
                    strconv.Itoa(asrWin), strconv.Itoa(acdWin), strconv.Itoa(totalWin),
                })
                count++
            }

            if count == 0 {
                fmt.Println("No quality routing profiles found")
                return nil
            }

            table.Render()

            // Per-route answer rates over the last 24 hours.
            statRows, err := database.QueryContext(ctx, `
                SELECT dst_device_id, COUNT(*), SUM(billsec > 0), COALESCE(AVG(NULLIF(billsec, 0)), 0)
                FROM calls
                WHERE calldate > DATE_SUB(NOW(), INTERVAL 24 HOUR) AND dst_device_id > 0
                GROUP BY dst_device_id ORDER BY COUNT(*) DESC LIMIT 20`)
            if err != nil {
                return fmt.Errorf("failed to query route stats: %v", err)
            }
            defer statRows.Close()

            fmt.Printf("\n%s\n\n", bold("Route performance (24h)"))

            statTable := tablewriter.NewWriter(os.Stdout)
            statTable.SetHeader([]string{"TP Device", "Calls", "Answered", "ASR %", "ACD (s)"})
            statTable.SetBorder(false)

            for statRows.Next() {
                var deviceID, total, answered int
                var acd float64

                if err := statRows.Scan(&deviceID, &total, &answered, &acd); err != nil {
                    return fmt.Errorf("failed to scan route stats: %v", err)
                }

                asr := 0.0
                if total > 0 {
                    asr = float64(answered) / float64(total) * 100
                }

                asrStr := fmt.Sprintf("%.1f", asr)
                if asr < 30 {
                    asrStr = red(asrStr)
                } else if asr > 60 {
                    asrStr = green(asrStr)
                }

                statTable.Append([]string{
                    strconv.Itoa(deviceID), strconv.Itoa(total), strconv.Itoa(answered),
                    asrStr, fmt.Sprintf("%.1f", acd),
                })
            }

            statTable.Render()
            return nil
        },
    }

    return cmd
}

func createAccountsCommand() *cobra.Command {
    cmd := &cobra.Command{
        Use:   "accounts",
        Short: "Show user accounts and balances",
        RunE: func(cmd *cobra.Command, args []string) error {
            ctx := context.Background()

            if err := initializeForCLI(ctx); err != nil {
                return err
            }

            rows, err := database.QueryContext(ctx, `
                SELECT id, username, balance, balance_limit, max_in_calls, max_out_calls
                FROM users ORDER BY username`)
            if err != nil {
                return fmt.Errorf("failed to query accounts: %v", err)
            }
            defer rows.Close()

            table := tablewriter.NewWriter(os.Stdout)
            table.SetHeader([]string{"ID", "Username", "Balance", "Limit", "Max In", "Max Out"})
            table.SetBorder(false)
            table.SetAutoWrapText(false)

            count := 0
            for rows.Next() {
                var id, maxIn, maxOut int
                var username string
                var balance, balanceLimit float64

                if err := rows.Scan(&id, &username, &balance, &balanceLimit, &maxIn, &maxOut); err != nil {
                    return fmt.Errorf("failed to scan account: %v", err)
                }

                balanceStr := fmt.Sprintf("%.5f", balance)
                if balance <= balanceLimit {
                    balanceStr = red(balanceStr)
                } else {
                    balanceStr = green(balanceStr)
                }

                table.Append([]string{
                    strconv.Itoa(id), username, balanceStr,
                    fmt.Sprintf("%.5f", balanceLimit),
                    strconv.Itoa(maxIn), strconv.Itoa(maxOut),
                })
                count++
            }

            if count == 0 {
                fmt.Println("No accounts found")
                return nil
            }

            table.Render()
            return nil
        },
    }

    return cmd
}

func createRatesCommand() *cobra.Command {
    cmd := &cobra.Command{
        Use:   "rates <tariff-id> <number>",
        Short: "Look up the rate a tariff applies to a number",
        Args:  cobra.ExactArgs(2),
        RunE: func(cmd *cobra.Command, args []string) error {
            ctx := context.Background()

            if err := initializeForCLI(ctx); err != nil {
                return err
            }

            tariffID, err := strconv.Atoi(args[0])
            if err != nil {
                return fmt.Errorf("invalid tariff id: %v", err)
            }
            number := args[1]

            rate, err := store.LookupRate(ctx, tariffID, number)
            if err != nil {
                return fmt.Errorf("failed to look up rate: %v", err)
            }
            if rate == nil {
                fmt.Printf("%s No rate found for %s in tariff %d\n", red("✗"), number, tariffID)
                return nil
            }

            fmt.Printf("%s Rate for %s (tariff %d)\n\n", green("✓"), number, tariffID)

            table := tablewriter.NewWriter(os.Stdout)
            table.SetBorder(false)
            table.SetAutoWrapText(false)
            table.Append([]string{"Prefix", rate.Prefix})
            table.Append([]string{"Rate", fmt.Sprintf("%.6f", rate.Rate)})
            table.Append([]string{"Effective rate", fmt.Sprintf("%.6f", rate.EffectiveRate())})
            table.Append([]string{"Min time", strconv.Itoa(rate.MinTime)})
            table.Append([]string{"Increment", strconv.Itoa(rate.Increment)})
            table.Append([]string{"Connection fee", fmt.Sprintf("%.6f", rate.ConnectionFee)})
            if rate.Blocked {
                table.Append([]string{"Blocked", red("yes")})
            }
            table.Render()
            return nil
        },
    }

    return cmd
}

func createStatsCommand() *cobra.Command {
    cmd := &cobra.Command{
        Use:   "stats",
        Short: "Show traffic statistics",
        RunE: func(cmd *cobra.Command, args []string) error {
            ctx := context.Background()

            if err := initializeForCLI(ctx); err != nil {
                return err
            }

            var active int
            if err := database.QueryRowContext(ctx,
                "SELECT COUNT(*) FROM active_calls").Scan(&active); err != nil {
                return fmt.Errorf("failed to count active calls: %v", err)
            }

            var total, answered, billsec int
            err := database.QueryRowContext(ctx, `
                SELECT COUNT(*), COALESCE(SUM(billsec > 0), 0), COALESCE(SUM(billsec), 0)
                FROM calls
                WHERE calldate > DATE_SUB(NOW(), INTERVAL 1 HOUR)`).Scan(&total, &answered, &billsec)
            if err != nil {
                return fmt.Errorf("failed to query call stats: %v", err)
            }

            asr := 0.0
            if total > 0 {
                asr = float64(answered) / float64(total) * 100
            }
            acd := 0.0
            if answered > 0 {
                acd = float64(billsec) / float64(answered)
            }

            fmt.Printf("%s\n\n", bold("Traffic statistics"))

            table := tablewriter.NewWriter(os.Stdout)
            table.SetBorder(false)
            table.SetAutoWrapText(false)
            table.Append([]string{"Active calls", strconv.Itoa(active)})
            table.Append([]string{"Calls (1h)", strconv.Itoa(total)})
            table.Append([]string{"Answered (1h)", strconv.Itoa(answered)})
            table.Append([]string{"ASR (1h)", fmt.Sprintf("%.1f%%", asr)})
            table.Append([]string{"ACD (1h)", fmt.Sprintf("%.1fs", acd)})
            table.Render()
            return nil
        },
    }

    return cmd
}
