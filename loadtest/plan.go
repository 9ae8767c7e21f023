package main

import "math/rand"

type typistState int

const (
	stateIdle typistState = iota
	stateTyping
)

// typingPlan returns the is_typing value of each round for one typist. An
// idle typist always starts typing; a typing one stops with probability
// stopChance.
func typingPlan(rounds int, stopChance float64, rnd *rand.Rand) []bool {
	plan := make([]bool, rounds)
	state := stateIdle
	for i := range plan {
		if state == stateIdle {
			state = stateTyping
		} else if rnd.Float64() < stopChance {
			state = stateIdle
		}
		plan[i] = state == stateTyping
	}
	return plan
}
