package api

import (
	"errors"
	"log/slog"
	"net/http"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"llmtune/internal/database"
	"llmtune/internal/dataset"
	"llmtune/internal/experiment"
	"llmtune/internal/messaging"
	"llmtune/internal/trainconfig"
	"llmtune/pkg/api"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// BackendService exposes experiment bookkeeping, training submission,
// sweeps, and dataset quality checks over HTTP.
type BackendService struct {
	db          *gorm.DB
	experiments *experiment.Manager
	publisher   messaging.Publisher

	runBase string
}

func NewBackendService(db *gorm.DB, publisher messaging.Publisher, runBase string) *BackendService {
	return &BackendService{
		db:          db,
		experiments: experiment.NewManager(db),
		publisher:   publisher,
		runBase:     runBase,
	}
}

func (s *BackendService) AddRoutes(r chi.Router) {
	r.Get("/health", RestHandler(func(r *http.Request) (any, error) { return nil, nil }))
	r.Route("/experiments", func(r chi.Router) {
		r.Get("/", RestHandler(s.ListExperiments))
		r.Get("/best", RestHandler(s.GetBestExperiment))
		r.Get("/export", s.ExportExperimentsCSV)
		r.Post("/compare", RestHandler(s.CompareExperiments))
		r.Get("/{experiment_id}", RestHandler(s.GetExperiment))
		r.Post("/{experiment_id}/export", RestHandler(s.SubmitExportJob))
	})
	r.Post("/train", RestHandler(s.SubmitTrainingJob))
	r.Route("/sweeps", func(r chi.Router) {
		r.Post("/", RestHandler(s.SubmitSweep))
		r.Get("/{sweep_id}", RestHandler(s.GetSweep))
	})
	r.Route("/datasets", func(r chi.Router) {
		r.Post("/validate", RestHandler(s.ValidateDataset))
		r.Post("/audit", RestHandler(s.AuditDataset))
	})
}

func (s *BackendService) SubmitTrainingJob(r *http.Request) (any, error) {
	req, err := ParseRequest[api.TrainRequest](r)
	if err != nil {
		return nil, err
	}

	if req.Name == "" || req.Model == "" || req.Dataset == "" {
		return nil, CodedErrorf(http.StatusUnprocessableEntity, "missing required fields: name, model, dataset")
	}
	if err := validateName(req.Name); err != nil {
		return nil, err
	}

	cfg, err := s.buildConfig(req)
	if err != nil {
		return nil, err
	}

	ctx := r.Context()

	exp, err := s.experiments.Create(ctx, req.Name, cfg, req.Tags, req.Notes)
	if err != nil {
		slog.Error("error creating experiment", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to create experiment entry")
	}

	payload := messaging.TrainTaskPayload{
		ExperimentId: exp.Id,
		DatasetKey:   req.DatasetKey,
	}
	if err := s.publisher.PublishTrainTask(ctx, payload); err != nil {
		slog.Error("error publishing training task", "experiment_id", exp.Id, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to queue training task")
	}

	slog.Info("Submitted training job", "experiment_id", exp.Id)
	return api.TrainSubmitResponse{Message: "Training job submitted", ExperimentId: exp.Id}, nil
}

func (s *BackendService) buildConfig(req api.TrainRequest) (trainconfig.JobConfig, error) {
	learningRate := req.LearningRate
	if learningRate == 0 {
		learningRate = 1e-4
	}
	loraRank := req.LoraRank
	if loraRank == 0 {
		loraRank = 8
	}
	outputDir := req.OutputDir
	if outputDir == "" {
		outputDir = filepath.Join(s.runBase, req.Name)
	}

	var opts []trainconfig.Option
	if req.BatchSize > 0 {
		opts = append(opts, trainconfig.WithBatchSize(req.BatchSize))
	}
	if req.Epochs > 0 {
		opts = append(opts, trainconfig.WithEpochs(req.Epochs))
	}
	if req.MaxSamples > 0 {
		opts = append(opts, trainconfig.WithMaxSamples(req.MaxSamples))
	}
	if req.QuantizationBit > 0 {
		opts = append(opts, trainconfig.WithQuantization(req.QuantizationBit))
	}

	var cfg trainconfig.JobConfig
	switch req.Stage {
	case "", string(trainconfig.StageSFT):
		cfg = trainconfig.NewSFTConfig(req.Model, req.Dataset, outputDir, learningRate, loraRank, opts...)
	case string(trainconfig.StageDPO):
		cfg = trainconfig.NewDPOConfig(req.Model, req.Dataset, outputDir, learningRate, loraRank, opts...)
	case string(trainconfig.StageKTO):
		cfg = trainconfig.NewKTOConfig(req.Model, req.Dataset, outputDir, learningRate, loraRank, opts...)
	default:
		return cfg, CodedErrorf(http.StatusUnprocessableEntity, "unknown stage '%s', expected sft, dpo, or kto", req.Stage)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, CodedErrorf(http.StatusUnprocessableEntity, "invalid training config: %v", err)
	}
	return cfg, nil
}

func (s *BackendService) ListExperiments(r *http.Request) (any, error) {
	query, err := ParseRequestQueryParams[api.ListExperimentsQuery](r)
	if err != nil {
		return nil, err
	}

	exps, err := s.experiments.List(r.Context(), experiment.ListFilter{Status: query.Status, Tag: query.Tag})
	if err != nil {
		slog.Error("error listing experiments", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error listing experiments")
	}

	out := make([]api.Experiment, 0, len(exps))
	for i := range exps {
		out = append(out, toApiExperiment(&exps[i]))
	}
	return out, nil
}

func (s *BackendService) GetExperiment(r *http.Request) (any, error) {
	experimentId, err := URLParamUUID(r, "experiment_id")
	if err != nil {
		return nil, err
	}

	exp, err := s.experiments.Get(r.Context(), experimentId)
	if errors.Is(err, experiment.ErrNotFound) {
		return nil, CodedErrorf(http.StatusNotFound, "experiment not found")
	}
	if err != nil {
		slog.Error("error getting experiment", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving experiment record")
	}

	return toApiExperiment(exp), nil
}

func (s *BackendService) GetBestExperiment(r *http.Request) (any, error) {
	exp, err := s.experiments.Best(r.Context())
	if errors.Is(err, experiment.ErrNotFound) {
		return nil, CodedErrorf(http.StatusNotFound, "no completed experiments with recorded loss")
	}
	if err != nil {
		slog.Error("error finding best experiment", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error finding best experiment")
	}

	return toApiExperiment(exp), nil
}

func (s *BackendService) CompareExperiments(r *http.Request) (any, error) {
	req, err := ParseRequest[api.CompareRequest](r)
	if err != nil {
		return nil, err
	}

	comparison, err := s.experiments.Compare(r.Context(), req.ExperimentIds)
	if errors.Is(err, experiment.ErrNotFound) {
		return nil, CodedErrorf(http.StatusNotFound, "experiment not found")
	}
	if err != nil {
		return nil, CodedErrorf(http.StatusUnprocessableEntity, "%v", err)
	}
	return comparison, nil
}

func (s *BackendService) ExportExperimentsCSV(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="experiments.csv"`)

	if err := s.experiments.ExportCSV(r.Context(), w); err != nil {
		slog.Error("error exporting experiments", "error", err)
		http.Error(w, "error exporting experiments", http.StatusInternalServerError)
	}
}

func (s *BackendService) SubmitExportJob(r *http.Request) (any, error) {
	experimentId, err := URLParamUUID(r, "experiment_id")
	if err != nil {
		return nil, err
	}

	req, err := ParseRequest[api.ExportRequest](r)
	if err != nil {
		return nil, err
	}
	if req.ExportDir == "" {
		return nil, CodedErrorf(http.StatusUnprocessableEntity, "missing required field: export_dir")
	}

	ctx := r.Context()

	exp, err := s.experiments.Get(ctx, experimentId)
	if errors.Is(err, experiment.ErrNotFound) {
		return nil, CodedErrorf(http.StatusNotFound, "experiment not found")
	}
	if err != nil {
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving experiment record")
	}
	if exp.Status != database.ExperimentCompleted {
		return nil, CodedErrorf(http.StatusConflict, "experiment %s has not completed training", exp.Name)
	}

	task := database.ExportTask{
		Id:           uuid.New(),
		ExperimentId: experimentId,
		Status:       database.JobQueued,
		ExportDir:    req.ExportDir,
		CreationTime: time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&task).Error; err != nil {
		slog.Error("error creating export task", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to create export task")
	}

	payload := messaging.ExportTaskPayload{ExportTaskId: task.Id, ExperimentId: experimentId}
	if err := s.publisher.PublishExportTask(ctx, payload); err != nil {
		slog.Error("error publishing export task", "export_task_id", task.Id, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to queue export task")
	}

	return api.ExportSubmitResponse{Message: "Export job submitted", ExportTaskId: task.Id}, nil
}

func (s *BackendService) SubmitSweep(r *http.Request) (any, error) {
	req, err := ParseRequest[api.SweepRequest](r)
	if err != nil {
		return nil, err
	}

	if req.Name == "" || req.Model == "" || req.Dataset == "" {
		return nil, CodedErrorf(http.StatusUnprocessableEntity, "missing required fields: name, model, dataset")
	}
	if err := validateName(req.Name); err != nil {
		return nil, err
	}

	outputBase := req.OutputBase
	if outputBase == "" {
		outputBase = filepath.Join(s.runBase, req.Name)
	}

	sweep := trainconfig.Sweep{
		Model:         req.Model,
		Dataset:       req.Dataset,
		OutputBase:    outputBase,
		LearningRates: req.LearningRates,
		LoraRanks:     req.LoraRanks,
		BatchSizes:    req.BatchSizes,
		Epochs:        req.Epochs,
	}

	ctx := r.Context()
	points := sweep.Expand()

	record := database.Sweep{
		Id:           uuid.New(),
		Name:         req.Name,
		TotalRuns:    len(points),
		CreationTime: time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		slog.Error("error creating sweep", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to create sweep entry")
	}

	for _, point := range points {
		exp, err := s.experiments.Create(ctx, req.Name+"/"+point.Name, point.Config, req.Tags, "")
		if err != nil {
			slog.Error("error creating sweep experiment", "error", err)
			return nil, CodedErrorf(http.StatusInternalServerError, "failed to create sweep experiment")
		}

		link := database.SweepExperiment{SweepId: record.Id, ExperimentId: exp.Id}
		if err := s.db.WithContext(ctx).Create(&link).Error; err != nil {
			slog.Error("error linking sweep experiment", "error", err)
			return nil, CodedErrorf(http.StatusInternalServerError, "failed to link sweep experiment")
		}

		payload := messaging.TrainTaskPayload{
			ExperimentId: exp.Id,
			SweepId:      uuid.NullUUID{UUID: record.Id, Valid: true},
		}
		if err := s.publisher.PublishTrainTask(ctx, payload); err != nil {
			slog.Error("error publishing sweep train task", "experiment_id", exp.Id, "error", err)
			return nil, CodedErrorf(http.StatusInternalServerError, "failed to queue sweep train task")
		}
	}

	slog.Info("Submitted sweep", "sweep_id", record.Id, "runs", len(points))
	return api.SweepSubmitResponse{Message: "Sweep submitted", SweepId: record.Id, Runs: len(points)}, nil
}

func (s *BackendService) GetSweep(r *http.Request) (any, error) {
	sweepId, err := URLParamUUID(r, "sweep_id")
	if err != nil {
		return nil, err
	}

	var record database.Sweep
	if err := s.db.WithContext(r.Context()).First(&record, "id = ?", sweepId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, CodedErrorf(http.StatusNotFound, "sweep not found")
		}
		slog.Error("error getting sweep", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving sweep record")
	}

	return api.SweepStatus{
		Id:            record.Id,
		Name:          record.Name,
		TotalRuns:     record.TotalRuns,
		CompletedRuns: record.CompletedRuns,
		FailedRuns:    record.FailedRuns,
		Done:          record.CompletionTime.Valid,
	}, nil
}

func (s *BackendService) ValidateDataset(r *http.Request) (any, error) {
	req, err := ParseRequest[api.ValidateDatasetRequest](r)
	if err != nil {
		return nil, err
	}
	if len(req.Records) == 0 {
		return nil, CodedErrorf(http.StatusUnprocessableEntity, "no records provided")
	}

	validator := dataset.NewValidator()
	validator.KeywordWarnings = req.KeywordWarnings
	report := validator.Validate(toDatasetRecords(req.Records))
	return report, nil
}

func (s *BackendService) AuditDataset(r *http.Request) (any, error) {
	req, err := ParseRequest[api.AuditDatasetRequest](r)
	if err != nil {
		return nil, err
	}
	if len(req.Records) == 0 {
		return nil, CodedErrorf(http.StatusUnprocessableEntity, "no records provided")
	}

	auditor := &dataset.Auditor{Inventory: req.Inventory}
	if len(req.Inventory) > 0 {
		pattern, err := inventoryPattern(req.Inventory)
		if err != nil {
			return nil, CodedErrorf(http.StatusUnprocessableEntity, "invalid inventory: %v", err)
		}
		auditor.KeywordPatterns = []*regexp.Regexp{pattern}
	}

	report := auditor.Audit(toDatasetRecords(req.Records))
	return report, nil
}

func inventoryPattern(inventory []string) (*regexp.Regexp, error) {
	quoted := make([]string, len(inventory))
	for i, entry := range inventory {
		quoted[i] = regexp.QuoteMeta(entry)
	}
	return regexp.Compile(`\b(?:` + strings.Join(quoted, "|") + `)\b`)
}

func toDatasetRecords(in []api.DatasetRecord) []dataset.Record {
	records := make([]dataset.Record, len(in))
	for i, r := range in {
		records[i] = dataset.Record{
			Instruction:  r.Instruction,
			Input:        r.Input,
			Output:       r.Output,
			System:       r.System,
			Category:     r.Category,
			QualityScore: r.QualityScore,
		}
	}
	return records
}
