package rules

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestExprEvaluator tests the ExprEvaluator implementation.
func TestExprEvaluator(t *testing.T) {
	evaluator := NewExprEvaluator()

	tests := []struct {
		name       string
		expression string
		variables  map[string]interface{}
		wantResult bool
		wantErr    bool
		errMsg     string
	}{
		{
			name:       "Valid true expression",
			expression: "amount > 1000",
			variables:  map[string]interface{}{"amount": 2500},
			wantResult: true,
		},
		{
			name:       "Valid false expression",
			expression: "amount < 1000",
			variables:  map[string]interface{}{"amount": 2500},
			wantResult: false,
		},
		{
			name:       "Undefined variable is nil",
			expression: "department == nil",
			variables:  map[string]interface{}{"amount": 2500},
			wantResult: true,
		},
		{
			name:       "Non-boolean result",
			expression: "amount + 5",
			variables:  map[string]interface{}{"amount": 25},
			wantErr:    true,
			errMsg:     "did not evaluate to a boolean",
		},
		{
			name:       "Invalid expression",
			expression: "amount >>> 18",
			variables:  map[string]interface{}{"amount": 25},
			wantErr:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := evaluator.Evaluate(tt.expression, tt.variables)
			if tt.wantErr {
				assert.Error(t, err, "Evaluate() should return an error")
				if tt.errMsg != "" {
					assert.Contains(t, err.Error(), tt.errMsg)
				}
				assert.False(t, result)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.wantResult, result)
		})
	}

	t.Run("Same expression with different variable types", func(t *testing.T) {
		ok, err := evaluator.Evaluate("category == 'it'", map[string]interface{}{"category": "it"})
		assert.NoError(t, err)
		assert.True(t, ok)

		ok, err = evaluator.Evaluate("category == 'it'", map[string]interface{}{"category": 7})
		assert.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("Concurrent evaluation", func(t *testing.T) {
		var wg sync.WaitGroup
		numGoroutines := 100
		variables := map[string]interface{}{"value": 42}

		wg.Add(numGoroutines)
		for i := 0; i < numGoroutines; i++ {
			go func() {
				defer wg.Done()
				result, err := evaluator.Evaluate("value > 0", variables)
				assert.NoError(t, err)
				assert.True(t, result)
			}()
		}
		wg.Wait()
	})

	t.Run("Derived function value", func(t *testing.T) {
		ev := NewExprEvaluator()
		ev.AddFunction("bigTicket", func(v map[string]interface{}) interface{} {
			amount, _ := v["amount"].(int)
			return amount >= 10000
		})
		variables := map[string]interface{}{"amount": 12000}
		ok, err := ev.Evaluate("bigTicket", variables)
		assert.NoError(t, err)
		assert.True(t, ok)
		_, leaked := variables["bigTicket"]
		assert.False(t, leaked, "evaluation must not write into the caller's variables")
	})
}

// BenchmarkEvaluate benchmarks cached evaluation.
func BenchmarkEvaluate(b *testing.B) {
	evaluator := NewExprEvaluator()
	variables := map[string]interface{}{"x": 10}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = evaluator.Evaluate("x > 5", variables)
	}
}
