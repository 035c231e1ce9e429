package cli

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/stratus-framework/scopebroker/internal/audit"
	brokeraws "github.com/stratus-framework/scopebroker/internal/aws"
	"github.com/stratus-framework/scopebroker/internal/broker"
	"github.com/stratus-framework/scopebroker/internal/config"
	"github.com/stratus-framework/scopebroker/internal/db"
	"github.com/stratus-framework/scopebroker/internal/grpcapi"
	"github.com/stratus-framework/scopebroker/internal/logging"
	"github.com/stratus-framework/scopebroker/internal/mapping"
	"github.com/stratus-framework/scopebroker/internal/metrics"
	"github.com/stratus-framework/scopebroker/internal/session"
)

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path := config.DefaultPath()
	if f := cmd.Flag("config"); f != nil && f.Value.String() != "" {
		path = f.Value.String()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, fmt.Errorf("loading config %s: %w", path, err)
	}
	return cfg, nil
}

// stores holds the two databases every command touching state needs.
type stores struct {
	mappingDB *sql.DB
	auditDB   *sql.DB
	mappings  *mapping.Store
	audit     *audit.Logger
}

func openStores(ctx context.Context, cfg config.Config, operator string) (*stores, error) {
	tables := db.MappingTables{Identity: cfg.Auth.IdentityTable, Binding: cfg.Auth.BindingTable}
	mdb, dialect, err := db.OpenMappingDB(ctx, cfg.Store.Driver, cfg.Store.DSN, tables)
	if err != nil {
		return nil, err
	}
	adb, err := db.OpenAuditDB(cfg.Audit.Path)
	if err != nil {
		mdb.Close()
		return nil, err
	}
	al, err := audit.NewLogger(adb, operator)
	if err != nil {
		mdb.Close()
		adb.Close()
		return nil, err
	}
	return &stores{
		mappingDB: mdb,
		auditDB:   adb,
		mappings:  mapping.NewStore(mdb, dialect, tables),
		audit:     al,
	}, nil
}

func (s *stores) Close() {
	s.mappingDB.Close()
	s.auditDB.Close()
}

// runtime is a fully wired broker.
type runtime struct {
	*stores
	cfg      config.Config
	logger   zerolog.Logger
	factory  *brokeraws.ClientFactory
	registry *prometheus.Registry
	broker   *broker.Broker
	service  *grpcapi.Service
}

func openRuntime(ctx context.Context, cfg config.Config, operator string) (*runtime, error) {
	logger := func(component string) zerolog.Logger {
		return logging.New(cfg.Log.Format, cfg.Log.Level, component)
	}

	st, err := openStores(ctx, cfg, operator)
	if err != nil {
		return nil, err
	}

	awsCfg, err := brokeraws.LoadAdminConfig(ctx, cfg.AWS.Region, cfg.AWS.Profile)
	if err != nil {
		st.Close()
		return nil, err
	}
	factory := brokeraws.NewClientFactory(awsCfg, logger("aws"), cfg.Rate.PerService, cfg.Rate.Burst)
	factory.SetAudit(st.audit)

	account := brokeraws.Account{
		Partition: cfg.AWS.Partition,
		Region:    cfg.AWS.Region,
		AccountID: cfg.AWS.AccountID,
	}
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	b, err := broker.New(broker.Deps{
		Store:       st.mappings,
		Provisioner: brokeraws.NewIAMProvisioner(factory, cfg.AWS.IdentityPath),
		Grantor:     brokeraws.NewIAMGrantor(factory, account, cfg.AWS.PolicyName),
		Issuer:      brokeraws.NewIAMIssuer(factory, cfg.AWS.MaxAccessKeys),
		Names:       brokeraws.Names{Prefix: cfg.Auth.NamePrefix},
		Cache:       session.NewCache(cfg.Cache.Capacity),
		Audit:       st.audit,
		Metrics:     metrics.NewCollector(registry),
		Logger:      logger("broker"),
		Grants:      cfg.GrantSet(),
		Region:      cfg.AWS.Region,
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	svc := grpcapi.NewService(grpcapi.ServiceDeps{
		Broker:   b,
		Verifier: brokeraws.NewVerifier(factory),
		Mappings: st.mappings,
		AuditDB:  st.auditDB,
		Logger:   logger("api"),
	})

	return &runtime{
		stores:   st,
		cfg:      cfg,
		logger:   logger(operator),
		factory:  factory,
		registry: registry,
		broker:   b,
		service:  svc,
	}, nil
}

func printJSON(v any) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(data))
}

func printHandle(info *grpcapi.HandleInfo, asJSON bool) {
	if asJSON {
		printJSON(info)
		return
	}
	fmt.Println(info.Status)
	fmt.Printf("  Identity:    %s (%s)\n", info.IdentityHandle, info.ApplicationID)
	fmt.Printf("  Access key:  %s\n", info.AccessKeyID)
	fmt.Printf("  Issued:      %s\n", info.IssuedAt)
	if info.Caller != nil {
		fmt.Printf("  Verified:    %s\n", info.Caller.Arn)
	}
	if info.VerifyError != "" {
		fmt.Printf("  Verify FAILED: %s\n", info.VerifyError)
	}
}
