package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"HashBot-Chain/internal/a2a"
	"HashBot-Chain/internal/chain"
	"HashBot-Chain/internal/chain/ethereum"
	"HashBot-Chain/internal/config"
	"HashBot-Chain/internal/guard"
	"HashBot-Chain/internal/observability/alerting"
	"HashBot-Chain/internal/settlement"
	"HashBot-Chain/internal/skill"
	"HashBot-Chain/internal/task"
	"HashBot-Chain/internal/x402"
	"HashBot-Chain/pkg/logger"
)

// main 是 HashBot 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("hashbotd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("HASHBOT_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "hashbot.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Audit: logger.AuditConfig{
			Enabled: cfg.Logging.AuditPath != "",
			Path:    cfg.Logging.AuditPath,
		},
	}); err != nil {
		return err
	}
	defer logger.Sync()

	// 解析结算网络。
	networks, err := chain.LoadNetworkDefinitions(cfg.Chain.NetworksPath)
	if err != nil {
		return err
	}
	network, ok := networks.Lookup(cfg.Chain.Network)
	if !ok {
		return fmt.Errorf("未知的结算网络: %s", cfg.Chain.Network)
	}

	// 防重层。memory 只覆盖单进程, 多实例部署必须使用 redis。
	var antiReplay guard.Guard
	switch cfg.Guard.Driver {
	case "", "memory":
		antiReplay = guard.NewMemoryGuard()
	case "redis":
		redisGuard, err := guard.NewRedisGuard(guard.RedisGuardConfig{
			Address:  cfg.Guard.Address,
			Password: cfg.Guard.Password,
			DB:       cfg.Guard.DB,
		})
		if err != nil {
			return err
		}
		antiReplay = redisGuard
	default:
		return fmt.Errorf("未知的防重驱动: %s", cfg.Guard.Driver)
	}
	defer antiReplay.Close()

	// 持久化层。
	var (
		taskStore       task.Store
		settlementStore settlement.Store
	)
	switch cfg.Storage.Driver {
	case "", "memory":
		taskStore = task.NewMemoryStore()
		settlementStore = settlement.NewMemoryStore()
	case "mysql":
		ts, err := task.NewMySQLStore(cfg.Storage.DSN)
		if err != nil {
			return err
		}
		taskStore = ts
		ss, err := settlement.NewMySQLStore(cfg.Storage.DSN)
		if err != nil {
			return err
		}
		settlementStore = ss
	default:
		return fmt.Errorf("未知的存储驱动: %s", cfg.Storage.Driver)
	}
	defer taskStore.Close()
	defer settlementStore.Close()

	// 结算巡检队列。
	var watchQueue settlement.Queue
	switch cfg.Queue.Driver {
	case "", "memory":
		watchQueue = settlement.NewMemoryQueue(1024)
	case "redis":
		queue, err := settlement.NewRedisQueue(settlement.RedisQueueConfig{
			Address:  cfg.Queue.Address,
			Password: cfg.Queue.Password,
			DB:       cfg.Queue.DB,
			Queue:    cfg.Queue.Name,
		})
		if err != nil {
			return err
		}
		watchQueue = queue
	case "rabbitmq":
		queue, err := settlement.NewRabbitMQQueue(settlement.RabbitMQConfig{
			URL:      cfg.Queue.URL,
			Queue:    cfg.Queue.Name,
			Prefetch: cfg.Queue.Prefetch,
			Durable:  true,
		})
		if err != nil {
			return err
		}
		watchQueue = queue
	default:
		return fmt.Errorf("未知的队列驱动: %s", cfg.Queue.Driver)
	}
	defer watchQueue.Close()

	// 链接入。
	chainClient, err := ethereum.NewClient(ctx, ethereum.Config{
		Name:         cfg.Chain.Network,
		RPCURL:       network.RPCURL,
		ChainID:      network.ChainID,
		SenderKeyHex: cfg.Chain.SenderKeyHex,
	})
	if err != nil {
		return err
	}
	defer chainClient.Close()
	logger.L().Info("链上客户端就绪",
		slog.String("network", cfg.Chain.Network),
		slog.String("sender", chainClient.Sender().Hex()))

	verifier := x402.NewVerifier(network.ChainID, antiReplay)
	settler := settlement.NewClient(chainClient, settlementStore, antiReplay, settlement.Config{
		Confirmations: cfg.Settlement.Confirmations,
		PollBase:      time.Duration(cfg.Settlement.PollBaseMillis) * time.Millisecond,
		PollMax:       time.Duration(cfg.Settlement.PollMaxMillis) * time.Millisecond,
		PollAttempts:  cfg.Settlement.PollAttempts,
	})

	skills, err := buildSkills(cfg, network, chainClient)
	if err != nil {
		return err
	}

	managerOpts := []task.ManagerOption{task.WithSettlementProducer(watchQueue)}
	if cfg.Alerting.WebhookURL != "" {
		managerOpts = append(managerOpts, task.WithAlerter(
			alerting.NewFanout(&alerting.WebhookNotifier{URL: cfg.Alerting.WebhookURL})))
	}

	manager := task.NewManager(taskStore, skills, verifier, settler, antiReplay,
		task.ManagerConfig{
			QuoteTTL:           time.Duration(cfg.Payment.QuoteTTLSeconds) * time.Second,
			MaxPaymentAttempts: cfg.Payment.MaxPaymentAttempts,
			SubmitRetries:      cfg.Settlement.SubmitRetries,
			SubmitRetryDelay:   time.Duration(cfg.Settlement.SubmitDelayMs) * time.Millisecond,
		},
		managerOpts...,
	)

	// 后台巡检: 收口重启前遗留的未决结算。
	watcher := settlement.NewWatcher(settler, settlementStore, watchQueue,
		settlement.WithWatcherWorkers(cfg.Settlement.WatcherWorkers),
		settlement.WithTerminalCallback(manager.ResolveSettlement),
	)
	if cfg.Settlement.RecoverOnStart {
		if err := watcher.Recover(ctx); err != nil {
			return err
		}
	}
	go func() {
		if err := watcher.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("结算巡检异常退出: %v", err)
		}
	}()

	// 报价超期扫描。
	go func() {
		ticker := time.NewTicker(time.Duration(cfg.Settlement.ExpireScanSecs) * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := manager.ExpireOverdue(ctx); err != nil {
					log.Printf("报价超期扫描失败: %v", err)
				}
			}
		}
	}()

	var card *a2a.AgentCard
	if cfg.Server.AgentCardPath != "" {
		card, err = a2a.LoadAgentCard(cfg.Server.AgentCardPath)
		if err != nil {
			return err
		}
		card.FillSkills(skills)
	}

	server := a2a.NewServer(cfg.Server.Address, manager, card)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// buildSkills 根据配置组装技能表。未配置价格的付费技能不注册。
func buildSkills(cfg *config.Config, network chain.NetworkDefinition, chainClient chain.Client) (*skill.Registry, error) {
	registry := skill.NewRegistry(skill.NewPingSkill())

	pricing := func(raw string) (skill.Pricing, bool, error) {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			return skill.Pricing{}, false, nil
		}
		amount, ok := new(big.Int).SetString(raw, 10)
		if !ok || amount.Sign() <= 0 {
			return skill.Pricing{}, false, fmt.Errorf("非法的技能价格: %s", raw)
		}
		return skill.Pricing{
			Amount:        amount,
			AssetSymbol:   network.AssetSymbol,
			Asset:         network.Asset,
			AssetDecimals: network.AssetDecimals,
			Network:       cfg.Chain.Network,
			ChainID:       network.ChainID,
			Recipient:     cfg.Payment.Recipient,
		}, true, nil
	}

	if p, ok, err := pricing(cfg.Skills.CryptoAnalystPrice); err != nil {
		return nil, err
	} else if ok {
		registry.Register(skill.NewCryptoAnalystSkill(p, chainClient))
	}
	if p, ok, err := pricing(cfg.Skills.TranslatorPrice); err != nil {
		return nil, err
	} else if ok {
		registry.Register(skill.NewTranslatorSkill(p))
	}
	if p, ok, err := pricing(cfg.Skills.CodeReviewerPrice); err != nil {
		return nil, err
	} else if ok {
		registry.Register(skill.NewCodeReviewerSkill(p))
	}
	return registry, nil
}
