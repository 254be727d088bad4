package escrowclient

// escrowABIJSON is the subset of the pledge escrow contract used by the service.
const escrowABIJSON = `[
  {"type":"function","name":"reviewWindowSeconds","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"pledges","stateMutability":"view","inputs":[{"name":"pledgeId","type":"uint256"}],"outputs":[
    {"name":"commitmentId","type":"uint256"},
    {"name":"sponsor","type":"address"},
    {"name":"token","type":"address"},
    {"name":"amount","type":"uint256"},
    {"name":"deadline","type":"uint256"},
    {"name":"minCheckIns","type":"uint256"},
    {"name":"approvedAt","type":"uint256"},
    {"name":"settledAt","type":"uint256"},
    {"name":"status","type":"uint8"},
    {"name":"exists","type":"bool"}
  ]},
  {"type":"function","name":"settlePledgeBySponsor","stateMutability":"nonpayable","inputs":[{"name":"pledgeId","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"settlePledgeNoResponse","stateMutability":"nonpayable","inputs":[{"name":"pledgeId","type":"uint256"}],"outputs":[]},
  {"type":"error","name":"CommitmentNotCompleted","inputs":[]},
  {"type":"error","name":"DeadlineNotReached","inputs":[]},
  {"type":"error","name":"ReviewWindowActive","inputs":[]},
  {"type":"error","name":"MinimumCheckInsNotMet","inputs":[]},
  {"type":"error","name":"PledgeNotActive","inputs":[]},
  {"type":"error","name":"PledgeNotFound","inputs":[]},
  {"type":"error","name":"NotSponsor","inputs":[]}
]`

const (
	methodReviewWindow     = "reviewWindowSeconds"
	methodPledges          = "pledges"
	methodSettleBySponsor  = "settlePledgeBySponsor"
	methodSettleNoResponse = "settlePledgeNoResponse"
)
