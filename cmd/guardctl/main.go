package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"ZKGuard-Chain/sdk/go/zkguard"
)

const usage = `guardctl 是 guardd REST 接口的命令行客户端。

用法:
  guardctl [全局参数] <命令> [参数]

命令:
  install      --user ADDR --adapter ID --config JSON     创建安装
  policies     --user ADDR --installation ID --file PATH  安装策略集合
  evaluate     --file PATH                                试算策略
  submit       --user ADDR --installation ID [--id ID] [--param k=v] [--wait]
  get          ID                                         查询执行
  executions   [--user ADDR] [--installation ID] [--limit N]
  stats        [--user ADDR] [--installation ID]            任务状态统计

全局参数:
  --server URL   guardd 地址（默认 $ZKGUARD_SERVER 或 http://127.0.0.1:8080）
  --token TOKEN  运维令牌（默认 $ZKGUARD_TOKEN）
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "guardctl: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	global := pflag.NewFlagSet("guardctl", pflag.ContinueOnError)
	global.SetInterspersed(false)
	server := global.String("server", envOr("ZKGUARD_SERVER", "http://127.0.0.1:8080"), "guardd 地址")
	token := global.String("token", os.Getenv("ZKGUARD_TOKEN"), "运维令牌")
	global.Usage = func() { fmt.Fprint(out, usage) }
	if err := global.Parse(args); err != nil {
		return err
	}
	rest := global.Args()
	if len(rest) == 0 {
		global.Usage()
		return errors.New("缺少命令")
	}

	client, err := zkguard.NewClient(*server, nil)
	if err != nil {
		return err
	}
	if *token != "" {
		client.SetAccessToken(*token)
	}

	cmd, cmdArgs := rest[0], rest[1:]
	switch cmd {
	case "install":
		return runInstall(ctx, client, cmdArgs, out)
	case "policies":
		return runPolicies(ctx, client, cmdArgs, out)
	case "evaluate":
		return runEvaluate(ctx, client, cmdArgs, out)
	case "submit":
		return runSubmit(ctx, client, cmdArgs, out)
	case "get":
		if len(cmdArgs) != 1 {
			return errors.New("用法: guardctl get ID")
		}
		detail, err := client.GetExecution(ctx, cmdArgs[0])
		if err != nil {
			return err
		}
		return printJSON(out, detail)
	case "executions":
		return runExecutions(ctx, client, cmdArgs, out)
	case "stats":
		return runStats(ctx, client, cmdArgs, out)
	default:
		global.Usage()
		return fmt.Errorf("未知命令: %s", cmd)
	}
}

func runInstall(ctx context.Context, client *zkguard.Client, args []string, out io.Writer) error {
	fs := pflag.NewFlagSet("install", pflag.ContinueOnError)
	user := fs.String("user", "", "用户地址")
	adapterID := fs.String("adapter", "", "适配器 ID")
	cfg := fs.String("config", "{}", "适配器配置 JSON")
	id := fs.String("id", "", "安装 ID，留空自动生成")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if !json.Valid([]byte(*cfg)) {
		return errors.New("--config 不是合法的 JSON")
	}
	inst, err := client.CreateInstallation(ctx, zkguard.Installation{
		ID:          *id,
		UserAddress: *user,
		AdapterID:   *adapterID,
		Config:      json.RawMessage(*cfg),
	})
	if err != nil {
		return err
	}
	return printJSON(out, inst)
}

func runPolicies(ctx context.Context, client *zkguard.Client, args []string, out io.Writer) error {
	fs := pflag.NewFlagSet("policies", pflag.ContinueOnError)
	user := fs.String("user", "", "用户地址")
	installation := fs.String("installation", "", "安装 ID")
	file := fs.String("file", "", "策略数组 JSON 文件，- 表示标准输入")
	if err := fs.Parse(args); err != nil {
		return err
	}
	var policies []zkguard.Policy
	if err := readJSON(*file, &policies); err != nil {
		return err
	}
	set, err := client.InstallPolicies(ctx, zkguard.PolicySet{
		UserAddress:    *user,
		InstallationID: *installation,
		Policies:       policies,
	})
	if err != nil {
		return err
	}
	return printJSON(out, set)
}

func runEvaluate(ctx context.Context, client *zkguard.Client, args []string, out io.Writer) error {
	fs := pflag.NewFlagSet("evaluate", pflag.ContinueOnError)
	file := fs.String("file", "", "试算请求 JSON 文件，- 表示标准输入")
	if err := fs.Parse(args); err != nil {
		return err
	}
	var req zkguard.EvaluateRequest
	if err := readJSON(*file, &req); err != nil {
		return err
	}
	eval, err := client.Evaluate(ctx, req)
	if err != nil {
		return err
	}
	return printJSON(out, eval)
}

func runSubmit(ctx context.Context, client *zkguard.Client, args []string, out io.Writer) error {
	fs := pflag.NewFlagSet("submit", pflag.ContinueOnError)
	user := fs.String("user", "", "用户地址")
	installation := fs.String("installation", "", "安装 ID")
	id := fs.String("id", "", "幂等任务 ID")
	params := fs.StringArray("param", nil, "执行参数 key=value，可重复")
	wait := fs.Bool("wait", false, "等待执行结束")
	interval := fs.Duration("interval", 2*time.Second, "等待时的初始轮询间隔")
	if err := fs.Parse(args); err != nil {
		return err
	}
	parsed, err := parseParams(*params)
	if err != nil {
		return err
	}
	job, err := client.SubmitExecution(ctx, zkguard.ExecutionRequest{
		ID:             *id,
		UserAddress:    *user,
		InstallationID: *installation,
		Params:         parsed,
	})
	if err != nil {
		return err
	}
	if !*wait {
		return printJSON(out, job)
	}
	detail, err := client.WaitForExecution(ctx, job.ID, *interval)
	if err != nil {
		return err
	}
	return printJSON(out, detail)
}

func runExecutions(ctx context.Context, client *zkguard.Client, args []string, out io.Writer) error {
	fs := pflag.NewFlagSet("executions", pflag.ContinueOnError)
	user := fs.String("user", "", "按用户过滤")
	installation := fs.String("installation", "", "按安装过滤")
	limit := fs.Int("limit", 20, "最多返回条数")
	if err := fs.Parse(args); err != nil {
		return err
	}
	logs, err := client.ListExecutions(ctx, zkguard.ExecutionFilter{
		UserAddress:    *user,
		InstallationID: *installation,
		Limit:          *limit,
	})
	if err != nil {
		return err
	}
	return printJSON(out, logs)
}

func runStats(ctx context.Context, client *zkguard.Client, args []string, out io.Writer) error {
	fs := pflag.NewFlagSet("stats", pflag.ContinueOnError)
	user := fs.String("user", "", "按用户过滤")
	installation := fs.String("installation", "", "按安装过滤")
	if err := fs.Parse(args); err != nil {
		return err
	}
	stats, err := client.Stats(ctx, zkguard.ExecutionFilter{UserAddress: *user, InstallationID: *installation})
	if err != nil {
		return err
	}
	return printJSON(out, stats)
}

// parseParams 解析 key=value。值是合法 JSON 时按 JSON 解码，否则视为字符串。
func parseParams(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	params := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("参数格式应为 key=value: %q", pair)
		}
		var decoded any
		if err := json.Unmarshal([]byte(value), &decoded); err == nil {
			params[key] = decoded
			continue
		}
		params[key] = value
	}
	return params, nil
}

func readJSON(path string, dst any) error {
	if path == "" {
		return errors.New("缺少 --file")
	}
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("解析 %s 失败: %w", path, err)
	}
	return nil
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
