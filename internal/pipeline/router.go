package pipeline

// strategyForTopic maps a topic to its named solving strategy.
var strategyForTopic = map[string]string{
	TopicAlgebra:               "algebraic",
	TopicCalculus:              "calculus",
	TopicTrigonometry:          "trigonometric",
	TopicProbability:           "probabilistic",
	TopicGeometry:              "geometric",
	TopicLinearAlgebra:         "vector",
	TopicSequences:             "series",
	TopicDifferentialEquations: "ode",
	TopicCombinatorics:         "counting",
	TopicStatistics:            "statistical",
	TopicOther:                 "general",
}

// symbolicCheckTopics are topics whose answers are usually bare numbers
// the verifier can re-compute.
var symbolicCheckTopics = map[string]bool{
	TopicProbability:   true,
	TopicStatistics:    true,
	TopicCombinatorics: true,
	TopicSequences:     true,
	TopicAlgebra:       true,
}

// RouteProblem picks the solving strategy for a parsed problem. It is a
// pure function: unknown topics fall back to the general strategy with
// retrieval and symbolic checking enabled.
func RouteProblem(prob Problem) Route {
	strategy, ok := strategyForTopic[prob.Topic]
	if !ok {
		strategy = "general"
	}

	route := Route{
		Strategy:         strategy,
		UseRetrieval:     true,
		UseSymbolicCheck: !ok || symbolicCheckTopics[prob.Topic],
		Difficulty:       estimateDifficulty(prob),
	}

	if prob.Topic != "" && prob.Topic != TopicOther {
		route.Filters = append(route.Filters, prob.Topic)
	}
	for i, topic := range prob.SecondaryTopics {
		if i == 2 {
			break
		}
		route.Filters = append(route.Filters, topic)
	}
	if prob.ProblemType != "" {
		route.Filters = append(route.Filters, prob.ProblemType)
	}
	return route
}

// estimateDifficulty scores the problem on variable and constraint count
// plus problem type.
func estimateDifficulty(prob Problem) string {
	score := len(prob.Variables)
	if score > 3 {
		score = 3
	}
	if n := len(prob.Constraints); n > 2 {
		score += 2
	} else {
		score += n
	}
	switch prob.ProblemType {
	case "optimization":
		score += 2
	case "proof":
		score += 3
	}

	switch {
	case score <= 2:
		return DifficultyBasic
	case score <= 4:
		return DifficultyIntermediate
	default:
		return DifficultyAdvanced
	}
}
