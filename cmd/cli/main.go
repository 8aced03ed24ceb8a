package main

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"saga-platform/internal/saga"
	"saga-platform/pkg/config"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(0)
	}
	cmd := os.Args[1]
	args := os.Args[2:]
	switch cmd {
	case "version":
		fmt.Println("saga-platform cli 0.1.0")
	case "config":
		runConfig()
	case "server":
		if len(args) > 0 && args[0] == "start" {
			runServerStart()
		} else {
			fmt.Fprintf(os.Stderr, "Usage: sagactl server start\n")
			os.Exit(1)
		}
	case "worker":
		if len(args) > 0 && args[0] == "start" {
			runWorkerStart()
		} else {
			fmt.Fprintf(os.Stderr, "Usage: sagactl worker start\n")
			os.Exit(1)
		}
	case "submit":
		if len(args) < 1 {
			fmt.Fprintf(os.Stderr, "Usage: sagactl submit <plan.json>\n")
			os.Exit(1)
		}
		runSubmit(args[0])
	case "status":
		if len(args) < 1 {
			fmt.Fprintf(os.Stderr, "Usage: sagactl status <execution_id>\n")
			os.Exit(1)
		}
		runStatus(args[0])
	case "watch":
		if len(args) < 1 {
			fmt.Fprintf(os.Stderr, "Usage: sagactl watch <execution_id>\n")
			os.Exit(1)
		}
		runWatch(args[0])
	case "pending":
		if len(args) < 1 {
			fmt.Fprintf(os.Stderr, "Usage: sagactl pending <execution_id>\n")
			os.Exit(1)
		}
		runPending(args[0])
	case "confirm":
		if len(args) < 1 {
			fmt.Fprintf(os.Stderr, "Usage: sagactl confirm <token> [actor_id]\n")
			os.Exit(1)
		}
		actor := ""
		if len(args) > 1 {
			actor = args[1]
		}
		runConfirm(args[0], actor)
	case "login":
		if len(args) < 1 {
			fmt.Fprintf(os.Stderr, "Usage: sagactl login <username>\n")
			os.Exit(1)
		}
		runLogin(args[0])
	case "dlq":
		limit := 100
		if len(args) > 0 {
			if n, err := strconv.Atoi(args[0]); err == nil && n > 0 {
				limit = n
			}
		}
		runDLQ(limit)
	case "reconcile":
		runReconcile()
	case "cancel":
		if len(args) < 1 {
			fmt.Fprintf(os.Stderr, "Usage: sagactl cancel <execution_id>\n")
			os.Exit(1)
		}
		runCancel(args[0])
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: sagactl <command> [args]")
	fmt.Println("  version                  - 显示版本")
	fmt.Println("  config                   - 显示配置概要")
	fmt.Println("  server start             - 启动 API 服务（go run ./cmd/api）")
	fmt.Println("  worker start             - 启动 Worker 服务（go run ./cmd/worker）")
	fmt.Println("  submit <plan.json>       - 提交执行计划，返回 execution_id（- 表示读 stdin）")
	fmt.Println("  status <execution_id>    - 查询执行状态")
	fmt.Println("  watch <execution_id>     - 轮询执行状态直到终态")
	fmt.Println("  pending <execution_id>   - 查询挂起的确认令牌（需管理端 JWT）")
	fmt.Println("  confirm <token> [actor]  - 凭确认令牌恢复执行")
	fmt.Println("  login <username>         - 管理端登录，输出 JWT（导出 SAGA_ADMIN_TOKEN 后使用）")
	fmt.Println("  dlq [limit]              - 列出死信（需管理端 JWT）")
	fmt.Println("  reconcile                - 触发一轮对账巡检（需管理端 JWT）")
	fmt.Println("  cancel <execution_id>    - 取消执行（需管理端 JWT）")
}

func runConfig() {
	cfg, err := config.LoadAPIConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("api.host=%s\n", cfg.API.Host)
	fmt.Printf("api.port=%d\n", cfg.API.Port)
	fmt.Printf("runtime.profile=%s\n", cfg.Runtime.Profile)
	fmt.Printf("queue.type=%s\n", cfg.Queue.Type)
	fmt.Printf("state_store.type=%s\n", cfg.StateStore.Type)
}

func runServerStart() {
	c := exec.Command("go", "run", "./cmd/api")
	c.Stdout = os.Stdout
	c.Stderr = os.Stderr
	c.Dir = "."
	if err := c.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "server start: %v\n", err)
		os.Exit(1)
	}
}

func runWorkerStart() {
	c := exec.Command("go", "run", "./cmd/worker")
	c.Stdout = os.Stdout
	c.Stderr = os.Stderr
	c.Dir = "."
	if err := c.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "worker start: %v\n", err)
		os.Exit(1)
	}
}

func runSubmit(path string) {
	req, err := loadPlanRequest(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "读取计划失败: %v\n", err)
		os.Exit(1)
	}
	out, err := submitPlan(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "提交失败: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(prettyJSON(out))
}

func runStatus(executionID string) {
	out, err := getExecution(executionID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "查询失败: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(prettyJSON(out))
}

// runWatch 每秒轮询一次，直到执行进入终态或等待确认（最多 120 次）
func runWatch(executionID string) {
	for i := 0; i < 120; i++ {
		out, err := getExecution(executionID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "查询失败: %v\n", err)
			os.Exit(1)
		}
		status := executionStatus(out)
		fmt.Printf("  status: %s\n", status)
		if saga.IsTerminal(saga.Status(status)) {
			return
		}
		if status == string(saga.StatusAwaitingConfirmation) {
			fmt.Printf("执行等待人工确认：sagactl pending %s 取令牌，confirm <token> 恢复\n", executionID)
			return
		}
		time.Sleep(1 * time.Second)
	}
	fmt.Println("超出轮询次数，执行仍未到终态")
}

func runPending(executionID string) {
	out, err := pendingConfirmation(executionID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "查询确认令牌失败: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(prettyJSON(out))
}

func runConfirm(token, actor string) {
	out, err := confirmToken(token, actor)
	if err != nil {
		fmt.Fprintf(os.Stderr, "确认失败: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(prettyJSON(out))
}

func runLogin(username string) {
	fmt.Print("密码: ")
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		fmt.Fprintf(os.Stderr, "读取密码失败: %v\n", err)
		os.Exit(1)
	}
	token, err := adminLogin(username, strings.TrimSpace(line))
	if err != nil {
		fmt.Fprintf(os.Stderr, "登录失败: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
	fmt.Fprintln(os.Stderr, "export SAGA_ADMIN_TOKEN=<token> 后即可使用 dlq/pending/reconcile/cancel")
}

func runDLQ(limit int) {
	out, err := listDLQ(limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "列出死信失败: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(prettyJSON(out))
}

func runReconcile() {
	out, err := triggerReconcile()
	if err != nil {
		fmt.Fprintf(os.Stderr, "触发对账失败: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(prettyJSON(out))
}

func runCancel(executionID string) {
	out, err := cancelExecution(executionID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "取消失败: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(prettyJSON(out))
}
