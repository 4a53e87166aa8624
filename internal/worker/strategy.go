package worker

import (
	"context"
	"fmt"

	"analysis-engine/internal/blob"
	"analysis-engine/internal/config"
	"analysis-engine/internal/execution"
	"analysis-engine/internal/workspace"
)

// NewStrategy builds the execution strategy named by cfg.ExecutionEnvironment.
func NewStrategy(cfg config.Config) (*execution.Strategy, error) {
	return execution.ForEnvironment(cfg.ExecutionEnvironment, execution.Options{
		Local: execution.LocalOptions{
			AnalyzerPath: cfg.AnalyzerPath,
			Args:         cfg.AnalyzerArgs,
			Timeout:      cfg.AnalyzerTimeout,
		},
		Container: execution.ContainerOptions{
			Image:        cfg.AnalyzerImage,
			Args:         cfg.AnalyzerArgs,
			Network:      cfg.ContainerNetwork,
			Memory:       cfg.ContainerMemory,
			CPUs:         cfg.ContainerCPUs,
			User:         cfg.ContainerUser,
			EnvAllowlist: cfg.ContainerEnvAllowlist,
			Timeout:      cfg.AnalyzerTimeout,
		},
		KillGrace: cfg.AnalyzerKillGrace,
	})
}

// NewMaterializerAndExporter wires object storage into the workspace
// materializer and, when an export bucket is configured, an exporter.
// Both are optional: with S3 disabled only local subjects are accepted.
func NewMaterializerAndExporter(ctx context.Context, cfg config.Config) (*workspace.Materializer, Exporter, error) {
	if !cfg.S3Subjects && cfg.ExportBucket == "" {
		return workspace.NewMaterializer(cfg.WorkspaceDir, cfg.SubjectMaxBytes, nil), nil, nil
	}
	client, err := blob.NewS3(ctx, blob.Options{
		Region:    cfg.S3Region,
		Endpoint:  cfg.S3Endpoint,
		PathStyle: cfg.S3PathStyle,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("s3 client: %w", err)
	}
	var objects blob.Store
	if cfg.S3Subjects {
		objects = client
	}
	var exporter Exporter
	if cfg.ExportBucket != "" {
		exporter = blob.NewExporter(client, cfg.ExportBucket, cfg.ExportPrefix)
	}
	return workspace.NewMaterializer(cfg.WorkspaceDir, cfg.SubjectMaxBytes, objects), exporter, nil
}
