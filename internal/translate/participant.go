package translate

import "github.com/rakunlabs/arenabridge/internal/config"

// applyParticipantPosition stamps every message's ParticipantPosition per
// the active mode: battle mode assigns every message (including system) to
// the chosen target; direct_chat pins system to "b" and everything else to
// "a".
func applyParticipantPosition(msgs []workMessage, mode config.IDUpdaterMode, battleTarget config.BattleTarget) {
	target := string(battleTarget)
	if target == "" {
		target = "a"
	}

	for i := range msgs {
		switch mode {
		case config.ModeBattle:
			msgs[i].ParticipantPosition = toLowerPosition(target)
		default: // direct_chat
			if msgs[i].Role == "system" {
				msgs[i].ParticipantPosition = "b"
			} else {
				msgs[i].ParticipantPosition = "a"
			}
		}
	}
}

func toLowerPosition(target string) string {
	switch target {
	case "A":
		return "a"
	case "B":
		return "b"
	default:
		return target
	}
}
