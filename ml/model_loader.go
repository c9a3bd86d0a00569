package ml

import (
	"errors"
)

func LoadModel(modelType, path string) (*Artifacts, error) {
	switch modelType {
	case "", KindLinear:
		model := &Artifacts{}
		if err := model.Load(path); err != nil {
			return nil, err
		}
		return model, nil
	default:
		return nil, errors.New("unsupported model type")
	}
}
