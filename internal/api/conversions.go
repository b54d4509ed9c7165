package api

import (
	"llmtune/internal/database"
	"llmtune/pkg/api"
)

func toApiExperiment(exp *database.Experiment) api.Experiment {
	out := api.Experiment{
		Id:           exp.Id,
		Name:         exp.Name,
		Status:       exp.Status,
		BaseModel:    exp.BaseModel,
		Dataset:      exp.Dataset,
		Stage:        exp.Stage,
		LearningRate: exp.LearningRate,
		LoraRank:     exp.LoraRank,
		BatchSize:    exp.BatchSize,
		Epochs:       exp.Epochs,
		OutputDir:    exp.OutputDir,
		TotalSteps:   exp.TotalSteps,
		Notes:        exp.Notes,
		CreationTime: exp.CreationTime,
	}

	if exp.FinalLoss.Valid {
		loss := exp.FinalLoss.Float64
		out.FinalLoss = &loss
	}
	if exp.BestLoss.Valid {
		loss := exp.BestLoss.Float64
		out.BestLoss = &loss
	}
	if exp.CompletionTime.Valid {
		t := exp.CompletionTime.Time
		out.CompletionTime = &t
	}
	for _, tag := range exp.Tags {
		out.Tags = append(out.Tags, tag.Tag)
	}

	return out
}
