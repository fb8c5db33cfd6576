package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"Vincent/internal/ability"
	"Vincent/internal/ability/erc20approval"
	"Vincent/internal/ability/erc20transfer"
	"Vincent/internal/ability/swap"
	"Vincent/internal/api"
	"Vincent/internal/config"
	"Vincent/internal/delegation"
	xerrors "Vincent/internal/errors"
	"Vincent/internal/invocation"
	"Vincent/internal/observability/alerting"
	"Vincent/internal/observability/metrics"
	"Vincent/internal/policy"
	"Vincent/internal/policy/counter"
	"Vincent/internal/policy/sendcounter"
	"Vincent/internal/policy/spendlimit"
	"Vincent/internal/signer"
	"Vincent/internal/web3/provider"
	"Vincent/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
)

// main 是 Vincent 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("vincentd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("VINCENT_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "vincent.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		},
	}); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	chainRegistry, err := provider.NewRegistry(ctx, cfg.Web3)
	if err != nil {
		return err
	}
	defer chainRegistry.Close()

	web3Client, err := chainRegistry.DefaultClient()
	if err != nil {
		return err
	}

	sig, err := signer.FromConfig(cfg.Signer)
	if err != nil {
		return err
	}

	counterStore, err := counter.FromConfig(cfg.Counters)
	if err != nil {
		return err
	}
	defer func() { _ = counterStore.Close() }()

	invocationStore, err := invocation.StoreFromConfig(cfg.Storage.InvocationStore)
	if err != nil {
		return err
	}
	defer func() { _ = invocationStore.Close() }()

	reconcileQueue, err := invocation.QueueFromConfig(cfg.Reconcile)
	if err != nil {
		return err
	}
	defer func() {
		if err := reconcileQueue.Close(); err != nil {
			logger.L().Warn("关闭对账队列失败", slog.String("error", err.Error()))
		}
	}()

	alerts := alerting.NewFanout()

	engine := policy.NewEngine()
	engine.Register(sendcounter.CID, sendcounter.New(counterStore))
	engine.Register(spendlimit.CID, spendlimit.New(
		counterStore,
		spendlimit.WithRecorder(spendlimit.NewChainRecorder(web3Client, sig)),
	))

	runtime := ability.NewRuntime(
		engine,
		delegation.NewResolver(web3Client),
		web3Client,
		sig,
		ability.WithStore(invocationStore),
		ability.WithReconcileQueue(reconcileQueue),
		ability.WithAlerts(alerts),
	)
	runtime.RegisterAbility(erc20transfer.New())
	runtime.RegisterAbility(erc20approval.New())
	if cfg.Abilities.Swap.RouterAddress != "" {
		runtime.RegisterAbility(swap.New(swap.Config{
			RouterAddress:    common.HexToAddress(cfg.Abilities.Swap.RouterAddress),
			UsdToken:         common.HexToAddress(cfg.Abilities.Swap.UsdToken),
			UsdTokenDecimals: cfg.Abilities.Swap.UsdTokenDecimals,
		}))
	}

	workerCtx, workerCancel := context.WithCancel(ctx)
	defer workerCancel()

	go func() {
		err := reconcileQueue.Consume(workerCtx, cfg.Reconcile.Worker, reconcileHandler(alerts))
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("对账消费者异常退出", slog.String("error", err.Error()))
		}
	}()

	if cfg.Metrics.Address != "" {
		go func() {
			if err := metrics.StartServer(workerCtx, cfg.Metrics.Address); err != nil && !errors.Is(err, context.Canceled) {
				logger.L().Error("指标服务异常退出", slog.String("error", err.Error()))
			}
		}()
	}

	server := api.NewServer(cfg.Server.Address, runtime, invocationStore)

	logger.L().Info("vincentd 启动",
		slog.String("address", cfg.Server.Address),
		slog.String("signer_mode", cfg.Signer.Mode),
		slog.Int("abilities", len(runtime.Abilities())),
	)

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// reconcileHandler 消费提交失败的对账消息。计数器与链上效果之间
// 的差异无法自动回滚，这里落审计日志并提醒人工介入。
func reconcileHandler(alerts alerting.Dispatcher) invocation.Handler {
	return func(ctx context.Context, msg invocation.ReconcileMessage) error {
		logger.Audit().Warn("策略提交失败待人工对账",
			slog.String("invocation_id", msg.InvocationID),
			slog.String("ability", msg.Ability),
			slog.String("policy_cid", msg.PolicyCID),
			slog.String("package", msg.PackageName),
			slog.String("delegator", msg.Delegator),
			slog.String("error", msg.Error),
		)
		return alerts.Notify(ctx, alerting.Event{
			Code:         xerrors.CodeCommitFailure,
			Message:      "策略提交失败，计数器可能少记",
			Severity:     xerrors.SeverityCritical,
			InvocationID: msg.InvocationID,
			Ability:      msg.Ability,
			Policy:       msg.PackageName,
			Metadata:     map[string]string{"error": msg.Error},
			OccurredAt:   time.Unix(msg.OccurredAt, 0),
		})
	}
}
