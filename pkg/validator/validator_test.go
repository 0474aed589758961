package validator

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type createSessionPayload struct {
	HostName            string `json:"host_name" validate:"required,notblank,max=64"`
	SlotDurationSeconds int    `json:"slot_duration_seconds" validate:"omitempty,min=1,max=3600"`
}

func TestValidateStructSuccess(t *testing.T) {
	require.NoError(t, ValidateStruct(createSessionPayload{HostName: "Ada", SlotDurationSeconds: 120}))
	require.NoError(t, ValidateStruct(createSessionPayload{HostName: "Ada"}))
}

func TestValidateStructFailures(t *testing.T) {
	err := ValidateStruct(createSessionPayload{HostName: "   ", SlotDurationSeconds: 4000})
	require.Error(t, err)

	vErrs, ok := err.(ValidationErrors)
	require.True(t, ok, "expected ValidationErrors, got %T", err)
	require.Len(t, vErrs, 2)

	byField := map[string]ValidationError{}
	for _, v := range vErrs {
		byField[v.Field] = v
	}
	require.Equal(t, "notblank", byField["host_name"].Tag)
	require.Equal(t, "max", byField["slot_duration_seconds"].Tag)
	require.Equal(t, "3600", byField["slot_duration_seconds"].Param)
}

func TestValidationErrorsMessage(t *testing.T) {
	errs := ValidationErrors{{Field: "name", Tag: "required"}, {Field: "slot", Tag: "max", Param: "3600"}}
	require.Equal(t, "name failed on required; slot failed on max=3600", errs.Error())
}
